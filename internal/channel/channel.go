// Package channel holds the outbound delivery capability and its
// implementations: Twilio SMS and voice, SMTP and SendGrid email, and a
// log-only sender for development.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"medremind/internal/reminder"
)

// DefaultTimeout bounds a single Send when no channel timeout is configured.
const DefaultTimeout = 15 * time.Second

// Delivery is what a sender needs to deliver one reminder.
type Delivery struct {
	ReminderID  string
	Channel     reminder.Channel
	Destination string
	Body        string
	Subject     string
	Language    reminder.Language
}

// Sender delivers one message. The deadline of ctx is the send timeout.
// delivered=false with a nil error means the provider refused the message.
type Sender interface {
	Send(ctx context.Context, d Delivery) (delivered bool, err error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, d Delivery) (bool, error)

func (f SenderFunc) Send(ctx context.Context, d Delivery) (bool, error) { return f(ctx, d) }

var (
	ErrNoSender = errors.New("no sender registered for channel")
	ErrTimeout  = errors.New("send timed out")
	ErrRejected = errors.New("provider rejected message")
)

type entry struct {
	sender  Sender
	timeout time.Duration
}

// Registry maps each channel to its sender and timeout. Entries are replaced
// whole on config reload; an in-flight Deliver keeps the sender it looked up.
type Registry struct {
	mu      sync.RWMutex
	entries map[reminder.Channel]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[reminder.Channel]entry{}}
}

func (r *Registry) Register(ch reminder.Channel, s Sender, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r.mu.Lock()
	r.entries[ch] = entry{sender: s, timeout: timeout}
	r.mu.Unlock()
}

// Unregister removes the sender for ch. Later deliveries fail with ErrNoSender.
func (r *Registry) Unregister(ch reminder.Channel) {
	r.mu.Lock()
	delete(r.entries, ch)
	r.mu.Unlock()
}

func (r *Registry) Lookup(ch reminder.Channel) (Sender, time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[ch]
	return e.sender, e.timeout, ok
}

// Timeout returns the channel timeout, or DefaultTimeout when unregistered.
func (r *Registry) Timeout(ch reminder.Channel) time.Duration {
	if _, t, ok := r.Lookup(ch); ok {
		return t
	}
	return DefaultTimeout
}

// MaxTimeout is the largest registered timeout.
func (r *Registry) MaxTimeout() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	max := DefaultTimeout
	for _, e := range r.entries {
		if e.timeout > max {
			max = e.timeout
		}
	}
	return max
}

func (r *Registry) Channels() []reminder.Channel {
	r.mu.RLock()
	out := make([]reminder.Channel, 0, len(r.entries))
	for ch := range r.entries {
		out = append(out, ch)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type result struct {
	ok  bool
	err error
}

// Deliver looks up the sender for d.Channel and calls it under the channel
// timeout. The call runs on its own goroutine so a sender that ignores ctx
// still returns ErrTimeout on time; its late result is discarded. Panics are
// reported as errors.
func (r *Registry) Deliver(ctx context.Context, d Delivery) (bool, error) {
	s, timeout, ok := r.Lookup(d.Channel)
	if !ok || s == nil {
		return false, fmt.Errorf("%w: %s", ErrNoSender, d.Channel)
	}
	return Call(ctx, s, d, timeout)
}

// Call invokes s with a deadline of timeout.
func Call(ctx context.Context, s Sender, d Delivery, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{err: fmt.Errorf("sender panic: %v", rec)}
			}
		}()
		ok, err := s.Send(cctx, d)
		done <- result{ok: ok, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil && !res.ok {
			res.err = ErrRejected
		}
		if res.err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return false, fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, res.err)
		}
		return res.ok && res.err == nil, res.err
	case <-cctx.Done():
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}
