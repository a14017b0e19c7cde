package eventbus

import (
	"time"

	"medremind/internal/reminder"
)

// Reminder lifecycle event types.
const (
	ReminderScheduled   = "reminder.scheduled"
	ReminderRescheduled = "reminder.rescheduled"
	ReminderCancelled   = "reminder.cancelled"
	ReminderSent        = "reminder.sent"
	ReminderFailed      = "reminder.failed"
)

// ReminderEvent is the Data payload of every reminder.* event. It carries no
// message body or destination, only what downstream consumers need to react.
type ReminderEvent struct {
	ID          string    `json:"id"`
	PatientID   string    `json:"patient_id"`
	Channel     string    `json:"channel"`
	Status      string    `json:"status"`
	TriggerTime time.Time `json:"trigger_time"`
	Generation  int64     `json:"generation"`
	Error       string    `json:"error,omitempty"`
}

// ReminderPayload builds the event payload for r.
func ReminderPayload(r reminder.Reminder) ReminderEvent {
	return ReminderEvent{
		ID:          r.ID,
		PatientID:   r.PatientID,
		Channel:     string(r.Channel),
		Status:      string(r.Status),
		TriggerTime: r.TriggerTime,
		Generation:  r.Generation,
		Error:       r.LastError,
	}
}

// ReminderChanged publishes a reminder.* event for r on b.
func ReminderChanged(b Bus, typ string, r reminder.Reminder) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Data: ReminderPayload(r)})
}
