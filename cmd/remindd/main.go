package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"remindd/internal/audit"
	"remindd/internal/config"
	"remindd/internal/delivery"
	"remindd/internal/eventbus"
	"remindd/internal/lifecycle"
	"remindd/internal/quota"
	"remindd/internal/reminder"
	"remindd/internal/storage"
	"remindd/internal/sweeper"
	logx "remindd/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./remindd.yaml", "path to config yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	log := logx.NewConsole(cfg.Logging.Level)

	st, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout.Std(),
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		log.Error("storage open failed", logx.Err(err))
		os.Exit(1)
	}
	defer st.Close()

	bus := eventbus.New()

	var (
		sender delivery.Sender
		tg     *delivery.Telegram
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Delivery.Channel)) {
	case "telegram":
		tg, err = delivery.NewTelegram(delivery.TelegramConfig{
			Token:       cfg.Delivery.Telegram.Token,
			ChatID:      cfg.Delivery.Telegram.ChatID,
			PollTimeout: cfg.Delivery.Telegram.PollTimeout.Std(),
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			log.Error("telegram init failed", logx.Err(err))
			os.Exit(1)
		}
		sender = tg
	default:
		sender = delivery.NewConsole(log.With(logx.String("comp", "delivery")))
	}

	timers := delivery.NewTimers(sender, cfg.Delivery.RatePerSec, log.With(logx.String("comp", "delivery")))
	defer timers.Close()

	locks := reminder.NewLocks()
	sink := audit.NewStoreSink(st, log.With(logx.String("comp", "audit")))
	qm := quota.New(timers, st, cfg.Quota.Margin, log.With(logx.String("comp", "quota")))

	ctl := lifecycle.New(lifecycle.Deps{
		Store:         st,
		Quota:         qm,
		Sched:         timers,
		Audit:         sink,
		Bus:           bus,
		Locks:         locks,
		Log:           log.With(logx.String("comp", "lifecycle")),
		SnoozeDefault: time.Duration(cfg.Snooze.DefaultMinutes) * time.Minute,
	})

	sw := sweeper.New(sweeper.Deps{
		Store:  st,
		Sender: sender,
		Sched:  timers,
		Audit:  sink,
		Bus:    bus,
		Locks:  locks,
		Log:    log.With(logx.String("comp", "sweeper")),
	})
	svc := sweeper.NewService(sw, cfg.Sweep.Interval.Std(), log.With(logx.String("comp", "sweeper")))

	// Operational visibility: log lifecycle events as they happen.
	events, unsub := bus.Subscribe(64)
	defer unsub()
	go func() {
		for ev := range events {
			log.Debug("event", logx.String("type", ev.Type))
		}
	}()

	// Local timers died with the previous process; rebuild coverage for
	// everything still active before the first sweep.
	if err := ctl.RescheduleAll(ctx); err != nil {
		log.Warn("startup reschedule incomplete", logx.Err(err))
	}

	if err := svc.Start(ctx); err != nil {
		log.Error("sweeper start failed", logx.Err(err))
		os.Exit(1)
	}

	if tg != nil {
		go tg.Listen(ctx, ctl.HandleAction)
	}

	go func() {
		if err := config.Watch(ctx, cfgPath, log.With(logx.String("comp", "config")), func(next config.Config) {
			logx.SetGlobalLevel(next.Logging.Level)
		}); err != nil {
			log.Warn("config watch unavailable", logx.Err(err))
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("remindd ready",
		logx.String("channel", cfg.Delivery.Channel),
		logx.Duration("sweep_interval", cfg.Sweep.Interval.Std()),
		logx.Int("quota_margin", cfg.Quota.Margin))

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	svc.Stop(stopCtx)
	log.Info("remindd stopped")
}
