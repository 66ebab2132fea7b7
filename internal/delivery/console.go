package delivery

import (
	"context"

	logx "remindd/pkg/logx"
)

// Console is a Sender that writes notifications to the log. Used for the
// "console" channel and as a fallback during local development.
type Console struct {
	log logx.Logger
}

func NewConsole(log logx.Logger) *Console {
	if log.IsZero() {
		log = logx.NewConsole("info")
	}
	return &Console{log: log}
}

func (c *Console) Send(_ context.Context, p Payload) error {
	c.log.Info("🔔 "+p.Body,
		logx.String("reminder_id", p.ReminderID),
		logx.String("title", p.Title),
		logx.Int("followup", p.Followup))
	return nil
}
