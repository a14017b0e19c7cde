package app

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"medremind/internal/alerts"
	"medremind/internal/channel"
	"medremind/internal/config"
	"medremind/internal/dispatch"
	"medremind/internal/events"
	"medremind/internal/reminder"
	"medremind/internal/storage"
	logx "medremind/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), DSN: strings.TrimSpace(sc.DSN), MaxConns: sc.MaxConns}
	switch driver {
	case "", "memory":
		out.Driver = "memory"
	case "file":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "postgres", "pgx":
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	grace, err := config.ParseDurationField("dispatch.claim_grace", dc.ClaimGrace)
	if err != nil {
		return dispatch.Config{}, err
	}
	bmin, err := config.ParseDurationField("dispatch.recovery_backoff_min", dc.RecoveryBackoffMin)
	if err != nil {
		return dispatch.Config{}, err
	}
	bmax, err := config.ParseDurationField("dispatch.recovery_backoff_max", dc.RecoveryBackoffMax)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Pool: dispatch.PoolConfig{
			Workers:     dc.Workers,
			QueueSize:   dc.QueueSize,
			HistorySize: dc.HistorySize,
		},
		ClaimGrace:         grace,
		Sweep:              strings.TrimSpace(dc.Sweep),
		RecoveryBackoffMin: bmin,
		RecoveryBackoffMax: bmax,
	}, nil
}

// channelSpec is one configured channel ready to register.
type channelSpec struct {
	ch      reminder.Channel
	driver  string
	sender  channel.Sender
	timeout time.Duration
}

// buildChannels constructs a sender per enabled channel. Senders are wrapped
// in a rate limiter; a zero rate means unlimited.
func buildChannels(cfg *config.Config, client *http.Client, log logx.Logger) ([]channelSpec, error) {
	var out []channelSpec
	add := func(ch reminder.Channel, driver string, lim config.SendLimits, build func() (channel.Sender, error)) error {
		timeout, err := config.ParseDurationOrDefault("channels."+string(ch)+".timeout", lim.Timeout, channel.DefaultTimeout)
		if err != nil {
			return err
		}
		driver = strings.ToLower(strings.TrimSpace(driver))
		var s channel.Sender
		if driver == "log" {
			s = channel.NewLogSender(log.With(logx.String("channel", string(ch))))
		} else {
			s, err = build()
			if err != nil {
				return fmt.Errorf("channels.%s: %w", ch, err)
			}
		}
		out = append(out, channelSpec{ch: ch, driver: driver, sender: channel.WithRateLimit(s, lim.RatePerSec, lim.Burst), timeout: timeout})
		return nil
	}

	chs := cfg.Channels
	if c := chs.SMS; c != nil && c.Enabled {
		err := add(reminder.ChannelSMS, c.Driver, c.SendLimits, func() (channel.Sender, error) {
			if c.Twilio == nil {
				return nil, fmt.Errorf("twilio block is required")
			}
			return channel.NewSMSSender(twilioConfig(c.Twilio), client)
		})
		if err != nil {
			return nil, err
		}
	}
	if c := chs.IVR; c != nil && c.Enabled {
		err := add(reminder.ChannelIVR, c.Driver, c.SendLimits, func() (channel.Sender, error) {
			if c.Twilio == nil {
				return nil, fmt.Errorf("twilio block is required")
			}
			return channel.NewIVRSender(channel.IVRConfig{
				Twilio:        twilioConfig(c.Twilio),
				TwimlURL:      c.TwimlURL,
				Voice:         c.Voice,
				DefaultLocale: c.DefaultLocale,
			}, client)
		})
		if err != nil {
			return nil, err
		}
	}
	if c := chs.Email; c != nil && c.Enabled {
		err := add(reminder.ChannelEmail, c.Driver, c.SendLimits, func() (channel.Sender, error) {
			ec := channel.EmailConfig{
				Provider:       strings.ToLower(strings.TrimSpace(c.Driver)),
				FromAddress:    c.From,
				FromName:       c.FromName,
				DefaultSubject: c.DefaultSubject,
			}
			if c.SMTP != nil {
				ec.SMTPHost = c.SMTP.Host
				ec.SMTPPort = c.SMTP.Port
				ec.SMTPUser = c.SMTP.Username
				ec.SMTPPass = c.SMTP.Password
				ec.SMTPStartTLS = c.SMTP.StartTLS
			}
			if c.SendGrid != nil {
				ec.SendGridKey = c.SendGrid.APIKey
				ec.SendGridBaseURL = c.SendGrid.BaseURL
			}
			return channel.NewEmailSender(ec, client)
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func twilioConfig(t *config.TwilioConfig) channel.TwilioConfig {
	return channel.TwilioConfig{
		AccountSID: t.AccountSID,
		AuthToken:  t.AuthToken,
		From:       t.From,
		BaseURL:    t.BaseURL,
	}
}

// registerChannels makes reg match specs exactly.
func registerChannels(reg *channel.Registry, specs []channelSpec) {
	keep := map[reminder.Channel]bool{}
	for _, s := range specs {
		reg.Register(s.ch, s.sender, s.timeout)
		keep[s.ch] = true
	}
	for _, ch := range reg.Channels() {
		if !keep[ch] {
			reg.Unregister(ch)
		}
	}
}

func mapEventsConfig(cfg *config.Config) (events.Config, bool, error) {
	ec := cfg.Events
	if ec == nil || !ec.Enabled {
		return events.Config{}, false, nil
	}
	wt, err := config.ParseDurationField("events.write_timeout", ec.WriteTimeout)
	if err != nil {
		return events.Config{}, false, err
	}
	return events.Config{
		Brokers:      ec.Brokers,
		Topic:        strings.TrimSpace(ec.Topic),
		Buffer:       ec.Buffer,
		WriteTimeout: wt,
	}, true, nil
}

func mapAlertsConfig(cfg *config.Config) (alerts.Config, alerts.TelegramConfig, bool, error) {
	ac := cfg.Alerts
	if ac == nil || !ac.Enabled {
		return alerts.Config{}, alerts.TelegramConfig{}, false, nil
	}
	window, err := config.ParseDurationField("alerts.dedup_window", ac.DedupWindow)
	if err != nil {
		return alerts.Config{}, alerts.TelegramConfig{}, false, err
	}
	out := alerts.Config{
		RatePerMin:  ac.RatePerMin,
		Burst:       ac.Burst,
		DedupWindow: window,
		RetryMax:    2,
	}
	tc := alerts.TelegramConfig{
		Token:    ac.Token,
		ChatID:   ac.ChatID,
		ThreadID: ac.ThreadID,
	}
	return out, tc, true, nil
}
