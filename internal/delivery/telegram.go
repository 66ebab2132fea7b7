package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "remindd/pkg/logx"
)

// TelegramConfig configures the telegram channel.
type TelegramConfig struct {
	Token       string
	ChatID      int64
	PollTimeout time.Duration
}

// ActionHandler receives a notification action tapped by the user.
// Action is "done" or "snooze".
type ActionHandler func(ctx context.Context, reminderID, action string) error

// Telegram delivers notifications as messages with an inline Done/Snooze
// keyboard and routes the button taps back into the lifecycle engine.
type Telegram struct {
	bot  *tele.Bot
	chat tele.ChatID
	log  logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{bot: b, chat: tele.ChatID(cfg.ChatID), log: log}, nil
}

func (t *Telegram) Send(_ context.Context, p Payload) error {
	text := p.Body
	if text == "" {
		text = p.Title
	}
	markup := &tele.ReplyMarkup{
		InlineKeyboard: [][]tele.InlineButton{{
			{Text: "✅ Done", Data: "done:" + p.ReminderID},
			{Text: "😴 Snooze", Data: "snooze:" + p.ReminderID},
		}},
	}
	_, err := t.bot.Send(t.chat, text, markup)
	return err
}

// Listen starts long polling and dispatches callback actions to handler
// until ctx is cancelled. It blocks; run it on its own goroutine.
func (t *Telegram) Listen(ctx context.Context, handler ActionHandler) {
	t.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil {
			return nil
		}
		action, id, ok := parseAction(cb.Data)
		if !ok {
			return c.Respond(&tele.CallbackResponse{Text: "unknown action"})
		}
		if err := handler(ctx, id, action); err != nil {
			t.log.Warn("notification action failed",
				logx.String("reminder_id", id),
				logx.String("action", action),
				logx.Err(err))
			return c.Respond(&tele.CallbackResponse{Text: fmt.Sprintf("failed: %v", err)})
		}
		return c.Respond(&tele.CallbackResponse{Text: "ok"})
	})

	go func() {
		<-ctx.Done()
		t.bot.Stop()
	}()

	t.log.Info("telegram polling started")
	t.bot.Start() // blocks until Stop()
}

func parseAction(data string) (action, id string, ok bool) {
	// Unique-button callback data carries a \f prefix on the wire.
	data = strings.TrimPrefix(strings.TrimSpace(data), "\f")
	action, id, found := strings.Cut(data, ":")
	if !found || id == "" {
		return "", "", false
	}
	switch action {
	case "done", "snooze":
		return action, id, true
	}
	return "", "", false
}
