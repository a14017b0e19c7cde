package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"medremind/internal/channel"
	"medremind/internal/config"
	"medremind/internal/reminder"
	logx "medremind/pkg/logx"
)

const testConfig = `
logging:
  level: error
  console: false
storage:
  driver: memory
dispatch:
  workers: 2
  sweep: "-"
channels:
  sms:
    enabled: true
    driver: log
    timeout: 2s
  ivr:
    enabled: true
    driver: log
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "medremind.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func startApp(t *testing.T, body string) *App {
	t.Helper()
	a, err := New(context.Background(), writeConfig(t, body))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	select {
	case <-a.Dispatcher().Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher never became ready")
	}
	return a
}

func waitStatus(t *testing.T, a *App, id string, want reminder.Status) reminder.Reminder {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		r, err := a.Scheduling().GetStatus(context.Background(), id)
		if err != nil {
			t.Fatalf("GetStatus(%s) error: %v", id, err)
		}
		if r.Status == want {
			return r
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want %s", r.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAppDeliversThroughConfiguredChannel(t *testing.T) {
	a := startApp(t, testConfig)

	id, err := a.Scheduling().Schedule(context.Background(), reminder.Reminder{
		PatientID:   "patient-7",
		Message:     "Rappel: consultation prenatale demain",
		Channel:     reminder.ChannelSMS,
		Destination: "+237690000001",
		TriggerTime: time.Now().Add(50 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("Schedule() error: %v", err)
	}
	r := waitStatus(t, a, id, reminder.StatusSent)
	if r.AttemptedAt == nil || r.CompletedAt == nil {
		t.Fatalf("bookkeeping not recorded: %+v", r)
	}
}

func TestAppUnconfiguredChannelFails(t *testing.T) {
	a := startApp(t, testConfig)

	id, err := a.Scheduling().Schedule(context.Background(), reminder.Reminder{
		PatientID:   "patient-7",
		Message:     "Rappel",
		Channel:     reminder.ChannelEmail,
		Destination: "patient7@example.org",
		TriggerTime: time.Now().Add(20 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("Schedule() error: %v", err)
	}
	r := waitStatus(t, a, id, reminder.StatusFailed)
	if !strings.Contains(r.LastError, channel.ErrNoSender.Error()) {
		t.Fatalf("LastError = %q, want it to mention %q", r.LastError, channel.ErrNoSender)
	}
}

func TestAppStopIsIdempotentBeforeStart(t *testing.T) {
	a, err := New(context.Background(), writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := a.Stop(context.Background(), StopSignal); err != nil {
		t.Fatalf("Stop() before Start error: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done() should be closed when never started")
	}
	_ = a.store.Close()
}

func TestApplyConfigSwapsChannels(t *testing.T) {
	a := startApp(t, testConfig)

	oldCfg := a.cfgm.Get()
	newCfg := *oldCfg
	newCfg.Channels = config.ChannelsConfig{
		SMS:   &config.SMSConfig{Enabled: true, Driver: "log"},
		Email: &config.EmailConfig{Enabled: true, Driver: "log"},
	}
	newCfg.Dispatch.ClaimGrace = "45s"
	a.applyConfig(oldCfg, &newCfg)

	got := a.channels.Channels()
	want := []reminder.Channel{reminder.ChannelEmail, reminder.ChannelSMS}
	if len(got) != len(want) {
		t.Fatalf("channels = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("channels = %v, want %v", got, want)
		}
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		in         config.StorageConfig
		wantDriver string
		wantBusy   time.Duration
		wantErr    string
	}{
		{name: "default memory", in: config.StorageConfig{}, wantDriver: "memory"},
		{name: "file", in: config.StorageConfig{Driver: "file", Path: "./r.journal"}, wantDriver: "file"},
		{name: "file without path", in: config.StorageConfig{Driver: "file"}, wantErr: "storage.path"},
		{name: "sqlite default busy", in: config.StorageConfig{Driver: "SQLite", Path: "./r.db"}, wantDriver: "sqlite", wantBusy: 5 * time.Second},
		{name: "sqlite busy", in: config.StorageConfig{Driver: "sqlite", Path: "./r.db", BusyTimeout: "2s"}, wantDriver: "sqlite", wantBusy: 2 * time.Second},
		{name: "postgres without dsn", in: config.StorageConfig{Driver: "postgres"}, wantErr: "storage.dsn"},
		{name: "unknown", in: config.StorageConfig{Driver: "mongo"}, wantErr: "unknown storage.driver"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapStorageConfig(&config.Config{Storage: tt.in})
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Driver != tt.wantDriver || got.BusyTimeout != tt.wantBusy {
				t.Fatalf("got %+v", got)
			}
		})
	}
}

func TestMapDispatchConfig(t *testing.T) {
	t.Parallel()
	got, err := mapDispatchConfig(&config.Config{Dispatch: config.DispatchConfig{
		Workers:            8,
		ClaimGrace:         "45s",
		Sweep:              " @every 30s ",
		RecoveryBackoffMin: "1s",
		RecoveryBackoffMax: "1m",
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Pool.Workers != 8 || got.ClaimGrace != 45*time.Second || got.Sweep != "@every 30s" ||
		got.RecoveryBackoffMin != time.Second || got.RecoveryBackoffMax != time.Minute {
		t.Fatalf("got %+v", got)
	}

	if _, err := mapDispatchConfig(&config.Config{Dispatch: config.DispatchConfig{ClaimGrace: "soon"}}); err == nil {
		t.Fatal("expected error for bad claim_grace")
	}
}

func TestBuildChannels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		channels config.ChannelsConfig
		want     []reminder.Channel
		wantErr  string
	}{
		{name: "none enabled", channels: config.ChannelsConfig{SMS: &config.SMSConfig{Driver: "log"}}},
		{
			name: "log senders",
			channels: config.ChannelsConfig{
				SMS: &config.SMSConfig{Enabled: true, Driver: "log"},
				IVR: &config.IVRConfig{Enabled: true, Driver: "log"},
			},
			want: []reminder.Channel{reminder.ChannelSMS, reminder.ChannelIVR},
		},
		{
			name: "twilio sms",
			channels: config.ChannelsConfig{SMS: &config.SMSConfig{Enabled: true, Driver: "twilio", Twilio: &config.TwilioConfig{
				AccountSID: "AC1", AuthToken: "tok", From: "+15550001111",
			}}},
			want: []reminder.Channel{reminder.ChannelSMS},
		},
		{
			name:     "twilio block missing",
			channels: config.ChannelsConfig{IVR: &config.IVRConfig{Enabled: true, Driver: "twilio"}},
			wantErr:  "channels.ivr",
		},
		{
			name: "bad timeout",
			channels: config.ChannelsConfig{SMS: &config.SMSConfig{Enabled: true, Driver: "log", SendLimits: config.SendLimits{
				Timeout: "later",
			}}},
			wantErr: "channels.sms.timeout",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			specs, err := buildChannels(&config.Config{Channels: tt.channels}, &http.Client{}, logx.Nop())
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(specs) != len(tt.want) {
				t.Fatalf("got %d channels, want %d", len(specs), len(tt.want))
			}
			for i, s := range specs {
				if s.ch != tt.want[i] {
					t.Fatalf("specs[%d].ch = %s, want %s", i, s.ch, tt.want[i])
				}
				if s.timeout != channel.DefaultTimeout {
					t.Fatalf("specs[%d].timeout = %s", i, s.timeout)
				}
			}
		})
	}
}

func TestRegisterChannelsRemovesStale(t *testing.T) {
	t.Parallel()
	reg := channel.NewRegistry()
	noop := channel.SenderFunc(func(context.Context, channel.Delivery) (bool, error) { return true, nil })
	reg.Register(reminder.ChannelIVR, noop, time.Second)

	registerChannels(reg, []channelSpec{{ch: reminder.ChannelSMS, sender: noop, timeout: 3 * time.Second}})

	if _, _, ok := reg.Lookup(reminder.ChannelIVR); ok {
		t.Fatal("ivr should have been unregistered")
	}
	if got := reg.Timeout(reminder.ChannelSMS); got != 3*time.Second {
		t.Fatalf("sms timeout = %s", got)
	}
	_, err := reg.Deliver(context.Background(), channel.Delivery{Channel: reminder.ChannelIVR})
	if !errors.Is(err, channel.ErrNoSender) {
		t.Fatalf("Deliver(ivr) err = %v, want ErrNoSender", err)
	}
}

func TestMapAlertsConfig(t *testing.T) {
	t.Parallel()
	if _, _, ok, err := mapAlertsConfig(&config.Config{}); ok || err != nil {
		t.Fatalf("disabled alerts: ok=%v err=%v", ok, err)
	}
	ac, tc, ok, err := mapAlertsConfig(&config.Config{Alerts: &config.AlertsConfig{
		Enabled: true, Token: "123:abc", ChatID: -100, ThreadID: 4, RatePerMin: 6, DedupWindow: "5m",
	}})
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if ac.DedupWindow != 5*time.Minute || ac.RatePerMin != 6 || tc.ChatID != -100 || tc.ThreadID != 4 {
		t.Fatalf("got %+v %+v", ac, tc)
	}
}
