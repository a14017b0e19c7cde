package reminder

import (
	"net/mail"
	"strings"
	"time"
)

const maxMessageLen = 4096

// Validate checks a reminder for scheduling at now. It also normalizes:
// trims the destination, defaults the language and converts the trigger
// time to UTC.
func Validate(r *Reminder, now time.Time) error {
	if strings.TrimSpace(r.PatientID) == "" {
		return invalid("patient_id", "required")
	}
	if !r.Channel.Valid() {
		return invalid("channel", "unknown channel %q", r.Channel)
	}
	if r.Language == "" {
		r.Language = DefaultLanguage
	}
	if !r.Language.Valid() {
		return invalid("language", "unsupported language %q", r.Language)
	}
	return validateContent(r, now)
}

// validateContent covers the fields a reschedule can change.
func validateContent(r *Reminder, now time.Time) error {
	if strings.TrimSpace(r.Message) == "" {
		return invalid("message", "required")
	}
	if len(r.Message) > maxMessageLen {
		return invalid("message", "longer than %d bytes", maxMessageLen)
	}
	r.Destination = strings.TrimSpace(r.Destination)
	if err := ValidateDestination(r.Channel, r.Destination); err != nil {
		return err
	}
	if r.TriggerTime.IsZero() {
		return invalid("trigger_time", "required")
	}
	r.TriggerTime = r.TriggerTime.UTC()
	if !r.TriggerTime.After(now) {
		return invalid("trigger_time", "must be in the future")
	}
	return nil
}

// ValidateChanges applies c to a copy of r and validates the result.
// The returned reminder is what a reschedule would persist.
func ValidateChanges(r Reminder, c Changes, now time.Time) (Reminder, error) {
	if c.Empty() {
		return r, invalid("", "no fields to change")
	}
	if c.Language != nil && !c.Language.Valid() {
		return r, invalid("language", "unsupported language %q", *c.Language)
	}
	next := r.Clone()
	c.Apply(&next)
	// An unchanged trigger time must still lie in the future.
	if err := validateContent(&next, now); err != nil {
		return r, err
	}
	return next, nil
}

// ValidateDestination checks the channel/destination pairing.
func ValidateDestination(ch Channel, dest string) error {
	if dest == "" {
		return invalid("destination", "required for %s", ch)
	}
	switch {
	case ch.Phone():
		if !IsE164(dest) {
			return invalid("destination", "%q is not an E.164 phone number", dest)
		}
	case ch == ChannelEmail:
		addr, err := mail.ParseAddress(dest)
		if err != nil || addr.Address != dest {
			return invalid("destination", "%q is not an email address", dest)
		}
	}
	return nil
}

// IsE164 accepts "+" followed by 8 to 15 digits, the first non-zero.
func IsE164(s string) bool {
	if len(s) < 9 || len(s) > 16 || s[0] != '+' || s[1] == '0' {
		return false
	}
	for _, c := range s[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
