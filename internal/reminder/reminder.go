// Package reminder holds the Reminder entity, its enums and the validation
// and error vocabulary shared by the store, the dispatcher and the API.
package reminder

import (
	"strings"
	"time"
)

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelIVR   Channel = "ivr"
	ChannelEmail Channel = "email"
)

// Channels lists every supported channel in a stable order.
var Channels = []Channel{ChannelSMS, ChannelIVR, ChannelEmail}

func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelIVR, ChannelEmail:
		return true
	}
	return false
}

// Phone reports whether the channel addresses a phone number.
func (c Channel) Phone() bool { return c == ChannelSMS || c == ChannelIVR }

func ParseChannel(s string) (Channel, bool) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	return c, c.Valid()
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal statuses have no outgoing transition.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

type Language string

const (
	LanguageEnglish Language = "english"
	LanguageFrench  Language = "french"
	LanguageDouala  Language = "douala"
	LanguageBassa   Language = "bassa"
	LanguageEwondo  Language = "ewondo"

	DefaultLanguage = LanguageFrench
)

func (l Language) Valid() bool {
	switch l {
	case LanguageEnglish, LanguageFrench, LanguageDouala, LanguageBassa, LanguageEwondo:
		return true
	}
	return false
}

// Reminder is a single scheduled delivery to one patient over one channel.
//
// Revision changes on every persisted write and is the compare-and-set token
// for UpdateIfPending. Generation changes only on reschedule; armed timers
// carry it so a superseded timer recognises itself on fire.
type Reminder struct {
	ID          string    `json:"id"`
	PatientID   string    `json:"patient_id"`
	Message     string    `json:"message"`
	Subject     string    `json:"subject,omitempty"`
	Language    Language  `json:"language"`
	Channel     Channel   `json:"channel"`
	Destination string    `json:"destination"`
	TriggerTime time.Time `json:"trigger_time"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Revision   int64 `json:"revision"`
	Generation int64 `json:"generation"`

	ClaimToken  string     `json:"claim_token,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	AttemptedAt *time.Time `json:"attempted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Claimed reports whether a delivery attempt has started.
func (r Reminder) Claimed() bool { return r.ClaimToken != "" }

// Clone returns a deep copy; the time pointers are not shared.
func (r Reminder) Clone() Reminder {
	cp := r
	cp.ClaimedAt = cloneTime(r.ClaimedAt)
	cp.AttemptedAt = cloneTime(r.AttemptedAt)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Changes is the set of fields a reschedule may replace. Nil fields keep
// their current value.
type Changes struct {
	TriggerTime *time.Time
	Message     *string
	Destination *string
	Subject     *string
	Language    *Language
}

func (c Changes) Empty() bool {
	return c.TriggerTime == nil && c.Message == nil && c.Destination == nil && c.Subject == nil && c.Language == nil
}

// Apply writes the non-nil fields onto r.
func (c Changes) Apply(r *Reminder) {
	if c.TriggerTime != nil {
		r.TriggerTime = c.TriggerTime.UTC()
	}
	if c.Message != nil {
		r.Message = *c.Message
	}
	if c.Destination != nil {
		r.Destination = strings.TrimSpace(*c.Destination)
	}
	if c.Subject != nil {
		r.Subject = *c.Subject
	}
	if c.Language != nil {
		r.Language = *c.Language
	}
}
