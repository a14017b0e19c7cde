package config

import (
	"reflect"
	"sort"
	"strings"

	logx "medremind/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens, passwords, DSNs) are never
// included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		d := newCfg.Dispatch
		attrs = append(attrs,
			logx.Int("dispatch.workers", d.Workers),
			logx.Int("dispatch.queue_size", d.QueueSize),
			logx.String("dispatch.sweep", strings.TrimSpace(d.Sweep)),
			logx.String("dispatch.claim_grace", strings.TrimSpace(d.ClaimGrace)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		ch := newCfg.Channels
		attrs = append(attrs,
			logx.Bool("channels.sms", ch.SMS != nil && ch.SMS.Enabled),
			logx.Bool("channels.ivr", ch.IVR != nil && ch.IVR.Enabled),
			logx.Bool("channels.email", ch.Email != nil && ch.Email.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Events, newCfg.Events) {
		changed = append(changed, "events")
		attrs = append(attrs, logx.Bool("events.enabled", newCfg.Events != nil && newCfg.Events.Enabled))
	}

	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		al := newCfg.Alerts
		attrs = append(attrs,
			logx.Bool("alerts.enabled", al != nil && al.Enabled),
			logx.Bool("alerts.token_set", al != nil && strings.TrimSpace(al.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Systemd, newCfg.Systemd) {
		changed = append(changed, "systemd")
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections whose change only takes effect after a
// restart (the store, the worker pool size and the outbound forwarders).
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "events", "alerts", "systemd":
			out = append(out, s)
		}
	}
	return out
}
