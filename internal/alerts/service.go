// Package alerts posts reminder delivery failures to an operations chat.
//
// Failures arrive from the event bus and go through a small pipeline:
// dedup (repeated failures with the same channel and error are folded into
// one message per window), a bounded queue, a token-bucket rate limit and a
// retrying sender. Alerts are best-effort; nothing here affects delivery.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"medremind/internal/eventbus"
	rtsup "medremind/internal/runtime/supervisor"
	logx "medremind/pkg/logx"

	"golang.org/x/time/rate"
)

var ErrStopped = errors.New("alerts stopped")

// Sender delivers one alert text.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

type Config struct {
	RatePerMin  float64
	Burst       int
	DedupWindow time.Duration
	QueueSize   int
	RetryMax    int
	RetryBase   time.Duration
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerMin <= 0 {
		c.RatePerMin = 20
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = 10 * time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Text  string    `json:"text"`
	Error string    `json:"error,omitempty"`
}

type dedupEntry struct {
	until      time.Time
	suppressed int
}

const maxDedupEntries = 1000

type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sender  Sender
	bus     eventbus.Bus
	log     logx.Logger

	sup   *rtsup.Supervisor
	unsub func()

	dmu   sync.Mutex
	dedup map[string]*dedupEntry

	hmu     sync.Mutex
	history []HistoryItem

	sent       atomic.Uint64
	dropped    atomic.Uint64
	suppressed atomic.Uint64
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		bus:    bus,
		log:    log.With(logx.String("comp", "alerts")),
		dedup:  map[string]*dedupEntry{},
	}
	s.Apply(cfg)
	return s
}

// Apply updates rate and dedup settings; it is safe while running.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerMin/60), cfg.Burst)
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	events, unsub := s.bus.Subscribe(s.cfg.QueueSize)
	queue := make(chan string, s.cfg.QueueSize)
	s.unsub = unsub
	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.Go0("consume", func(c context.Context) {
		defer close(queue)
		s.consume(c, events, queue)
	})
	s.sup.GoRestart("send", func(c context.Context) error {
		s.sendLoop(c, queue)
		if c.Err() != nil {
			return c.Err()
		}
		return nil
	})
	s.log.Info("failure alerts started")
}

// Stop stops intake and sends what is queued until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	s.sup, s.unsub = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	unsub()
	_ = sup.Wait(ctx)
	sup.Cancel()
	s.log.Info("failure alerts stopped",
		logx.Uint64("sent", s.sent.Load()),
		logx.Uint64("suppressed", s.suppressed.Load()),
		logx.Uint64("dropped", s.dropped.Load()),
	)
}

func (s *Service) consume(ctx context.Context, events <-chan eventbus.Event, queue chan<- string) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type != eventbus.ReminderFailed {
				continue
			}
			p, ok := e.Data.(eventbus.ReminderEvent)
			if !ok {
				continue
			}
			text, ok := s.admit(p, time.Now())
			if !ok {
				continue
			}
			select {
			case queue <- text:
			default:
				s.dropped.Add(1)
				s.log.Warn("alert dropped (queue full)", logx.Reminder(p.ID))
			}
		}
	}
}

// admit applies dedup and renders the alert text.
func (s *Service) admit(p eventbus.ReminderEvent, now time.Time) (string, bool) {
	s.mu.Lock()
	window := s.cfg.DedupWindow
	s.mu.Unlock()

	folded := 0
	if window > 0 {
		key := p.Channel + "|" + p.Error
		s.dmu.Lock()
		if e, ok := s.dedup[key]; ok && now.Before(e.until) {
			e.suppressed++
			s.dmu.Unlock()
			s.suppressed.Add(1)
			return "", false
		} else if ok {
			folded = e.suppressed
		}
		s.dedup[key] = &dedupEntry{until: now.Add(window)}
		if len(s.dedup) > maxDedupEntries {
			for k, e := range s.dedup {
				if !now.Before(e.until) {
					delete(s.dedup, k)
				}
			}
		}
		s.dmu.Unlock()
	}
	return Render(p, folded), true
}

// Render formats one failure alert. folded is the number of similar
// failures suppressed since the previous alert for the same cause.
func Render(p eventbus.ReminderEvent, folded int) string {
	var b strings.Builder
	b.WriteString("⚠️ reminder delivery failed\n")
	fmt.Fprintf(&b, "reminder: %s\n", p.ID)
	if p.PatientID != "" {
		fmt.Fprintf(&b, "patient: %s\n", p.PatientID)
	}
	fmt.Fprintf(&b, "channel: %s\n", p.Channel)
	if !p.TriggerTime.IsZero() {
		fmt.Fprintf(&b, "trigger: %s\n", p.TriggerTime.UTC().Format(time.RFC3339))
	}
	errText := p.Error
	if errText == "" {
		errText = "unknown"
	}
	fmt.Fprintf(&b, "error: %s", errText)
	if folded > 0 {
		fmt.Fprintf(&b, "\n(+%d similar failures suppressed)", folded)
	}
	return b.String()
}

func (s *Service) sendLoop(ctx context.Context, queue <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-queue:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, text)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, text string) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		lastErr = s.sender.SendText(cctx, text)
		cancel()
		if lastErr == nil {
			s.sent.Add(1)
			s.appendHistory(text, nil)
			return
		}
		s.log.Debug("alert send failed", logx.Err(lastErr), logx.Int("attempt", attempt))
		if attempt > cfg.RetryMax {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay(cfg.RetryBase, attempt)):
		}
	}
	s.appendHistory(text, lastErr)
	s.log.Warn("alert not delivered", logx.Err(lastErr))
}

func (s *Service) appendHistory(text string, err error) {
	item := HistoryItem{At: time.Now(), Text: text}
	if err != nil {
		item.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

// History returns the most recent alerts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// retryDelay is base * 2^(attempt-1) with 0.7..1.3 jitter.
func retryDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	j := 0.7 + rand.Float64()*0.6
	return time.Duration(float64(d) * j)
}
