package alerts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"medremind/internal/eventbus"
	logx "medremind/pkg/logx"
)

type fakeSender struct {
	mu       sync.Mutex
	texts    []string
	failures int
	calls    int
}

func (f *fakeSender) SendText(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("telegram: 502 bad gateway")
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func failed(id, ch, errText string) eventbus.Event {
	return eventbus.Event{Type: eventbus.ReminderFailed, Data: eventbus.ReminderEvent{
		ID:          id,
		PatientID:   "p-" + id,
		Channel:     ch,
		Status:      "failed",
		Error:       errText,
		TriggerTime: time.Date(2026, 10, 16, 7, 30, 0, 0, time.UTC),
	}}
}

func waitSent(t *testing.T, f *fakeSender, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		got := f.sent()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("sent %d alerts, want %d", len(got), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAlertsForwardFailures(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sender := &fakeSender{failures: 1}
	s := New(Config{RatePerMin: 6000, Burst: 10, RetryMax: 2, RetryBase: 10 * time.Millisecond}, sender, bus, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	bus.Publish(eventbus.Event{Type: eventbus.ReminderSent, Data: eventbus.ReminderEvent{ID: "ok"}})
	bus.Publish(failed("r1", "sms", "carrier down"))

	got := waitSent(t, sender, 1)
	for _, want := range []string{"reminder: r1", "patient: p-r1", "channel: sms", "trigger: 2026-10-16T07:30:00Z", "error: carrier down"} {
		if !strings.Contains(got[0], want) {
			t.Fatalf("alert %q missing %q", got[0], want)
		}
	}
	if h := s.History(); len(h) != 1 || h[0].Error != "" {
		t.Fatalf("history=%+v", h)
	}
}

func TestAlertsDedupFoldsRepeats(t *testing.T) {
	t.Parallel()

	s := New(Config{DedupWindow: time.Minute}, &fakeSender{}, eventbus.Nop(), logx.Nop())
	now := time.Now()
	p := func(id string) eventbus.ReminderEvent {
		return failed(id, "ivr", "send timed out").Data.(eventbus.ReminderEvent)
	}

	if _, ok := s.admit(p("a"), now); !ok {
		t.Fatal("first failure suppressed")
	}
	for _, id := range []string{"b", "c", "d"} {
		if _, ok := s.admit(p(id), now.Add(time.Second)); ok {
			t.Fatalf("%s not folded", id)
		}
	}
	// A different cause is not folded.
	other := p("e")
	other.Error = "provider rejected message"
	if _, ok := s.admit(other, now.Add(time.Second)); !ok {
		t.Fatal("different error folded")
	}

	text, ok := s.admit(p("f"), now.Add(2*time.Minute))
	if !ok {
		t.Fatal("failure after the window suppressed")
	}
	if !strings.Contains(text, "(+3 similar failures suppressed)") {
		t.Fatalf("text=%q", text)
	}
	if s.suppressed.Load() != 3 {
		t.Fatalf("suppressed=%d", s.suppressed.Load())
	}
}

func TestAlertsDedupDisabled(t *testing.T) {
	t.Parallel()

	s := New(Config{DedupWindow: -1}, &fakeSender{}, eventbus.Nop(), logx.Nop())
	now := time.Now()
	for i := 0; i < 3; i++ {
		if _, ok := s.admit(failed("x", "sms", "boom").Data.(eventbus.ReminderEvent), now); !ok {
			t.Fatalf("attempt %d suppressed with dedup disabled", i)
		}
	}
}

func TestAlertsGiveUpAfterRetries(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sender := &fakeSender{failures: 10}
	s := New(Config{RatePerMin: 6000, Burst: 10, RetryMax: 1, RetryBase: 5 * time.Millisecond}, sender, bus, logx.Nop())
	s.Start(context.Background())

	bus.Publish(failed("r2", "email", "smtp: 550 mailbox unavailable"))
	deadline := time.Now().Add(3 * time.Second)
	for len(s.History()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no history entry")
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.Stop(context.Background())

	h := s.History()
	if h[0].Error == "" {
		t.Fatalf("history=%+v", h)
	}
	sender.mu.Lock()
	calls := sender.calls
	sender.mu.Unlock()
	if calls != 2 {
		t.Fatalf("calls=%d, want 2", calls)
	}
}

func TestRender(t *testing.T) {
	t.Parallel()

	got := Render(eventbus.ReminderEvent{ID: "r9", Channel: "sms"}, 0)
	want := "⚠️ reminder delivery failed\nreminder: r9\nchannel: sms\nerror: unknown"
	if got != want {
		t.Fatalf("Render=%q\nwant    %q", got, want)
	}
}

func TestNewTelegramValidates(t *testing.T) {
	t.Parallel()

	if _, err := NewTelegram(TelegramConfig{ChatID: 1}); err == nil {
		t.Fatal("accepted empty token")
	}
	if _, err := NewTelegram(TelegramConfig{Token: "123:abc"}); err == nil {
		t.Fatal("accepted zero chat id")
	}
}
