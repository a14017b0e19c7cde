package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks the parts of the config that would otherwise fail late,
// at wiring time or on the first send.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "memory":
	case "file":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path: required for file"))
		}
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path: required for sqlite"))
		}
		_, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		add(err)
	case "postgres", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn: required for postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", d))
	}

	dc := cfg.Dispatch
	if dc.Workers < 0 || dc.QueueSize < 0 || dc.HistorySize < 0 {
		add(errors.New("dispatch: workers/queue_size/history_size must be >= 0"))
	}
	for path, raw := range map[string]string{
		"dispatch.claim_grace":          dc.ClaimGrace,
		"dispatch.recovery_backoff_min": dc.RecoveryBackoffMin,
		"dispatch.recovery_backoff_max": dc.RecoveryBackoffMax,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if spec := strings.TrimSpace(dc.Sweep); spec != "" && spec != "-" {
		if _, err := cron.ParseStandard(spec); err != nil {
			add(fmt.Errorf("dispatch.sweep: %w", err))
		}
	}

	ch := cfg.Channels
	if ch.SMS != nil && ch.SMS.Enabled {
		add(validateLimits("channels.sms", ch.SMS.SendLimits))
		add(validateDriver("channels.sms", ch.SMS.Driver, ch.SMS.Twilio != nil, "twilio", "log"))
	}
	if ch.IVR != nil && ch.IVR.Enabled {
		add(validateLimits("channels.ivr", ch.IVR.SendLimits))
		add(validateDriver("channels.ivr", ch.IVR.Driver, ch.IVR.Twilio != nil, "twilio", "log"))
	}
	if ch.Email != nil && ch.Email.Enabled {
		e := ch.Email
		add(validateLimits("channels.email", e.SendLimits))
		driver := strings.ToLower(strings.TrimSpace(e.Driver))
		switch driver {
		case "smtp":
			if e.SMTP == nil || strings.TrimSpace(e.SMTP.Host) == "" {
				add(errors.New("channels.email.smtp.host: required for smtp driver"))
			}
		case "sendgrid":
			if e.SendGrid == nil || strings.TrimSpace(e.SendGrid.APIKey) == "" {
				add(errors.New("channels.email.sendgrid.api_key: required for sendgrid driver"))
			}
		case "log":
		default:
			add(fmt.Errorf("channels.email.driver: unknown driver %q", e.Driver))
		}
		if driver != "log" && strings.TrimSpace(e.From) == "" {
			add(errors.New("channels.email.from: required"))
		}
	}

	if ev := cfg.Events; ev != nil && ev.Enabled {
		if len(ev.Brokers) == 0 || strings.TrimSpace(ev.Topic) == "" {
			add(errors.New("events: brokers and topic are required when enabled"))
		}
		_, err := ParseDurationField("events.write_timeout", ev.WriteTimeout)
		add(err)
	}
	if al := cfg.Alerts; al != nil && al.Enabled {
		if strings.TrimSpace(al.Token) == "" || al.ChatID == 0 {
			add(errors.New("alerts: token and chat_id are required when enabled"))
		}
		if al.RatePerMin < 0 || al.Burst < 0 {
			add(errors.New("alerts: rate_per_min and burst must be >= 0"))
		}
		_, err := ParseDurationField("alerts.dedup_window", al.DedupWindow)
		add(err)
	}
	return errors.Join(errs...)
}

func validateLimits(path string, l SendLimits) error {
	if _, err := ParseDurationField(path+".timeout", l.Timeout); err != nil {
		return err
	}
	if l.RatePerSec < 0 || l.Burst < 0 {
		return fmt.Errorf("%s: rate_per_sec and burst must be >= 0", path)
	}
	return nil
}

func validateDriver(path, driver string, hasTwilio bool, allowed ...string) error {
	d := strings.ToLower(strings.TrimSpace(driver))
	for _, a := range allowed {
		if d != a {
			continue
		}
		if d == "twilio" && !hasTwilio {
			return fmt.Errorf("%s.twilio: required for twilio driver", path)
		}
		return nil
	}
	return fmt.Errorf("%s.driver: unknown driver %q", path, driver)
}
