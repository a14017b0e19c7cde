package channel

import (
	"context"

	logx "medremind/pkg/logx"
)

// LogSender reports every delivery as successful and only logs it. Used
// for channels configured with driver "log".
type LogSender struct {
	log logx.Logger
}

func NewLogSender(log logx.Logger) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log}
}

func (s *LogSender) Send(ctx context.Context, d Delivery) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.log.Info("delivery (log driver)",
		logx.Reminder(d.ReminderID),
		logx.String("channel", string(d.Channel)),
		logx.String("destination", d.Destination),
		logx.Int("body_len", len(d.Body)),
	)
	return true, nil
}
