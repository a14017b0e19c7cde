// Package events forwards reminder lifecycle events from the in-process bus
// to a Kafka topic, one JSON message per transition keyed by reminder id.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"medremind/internal/eventbus"
	rtsup "medremind/internal/runtime/supervisor"
	logx "medremind/pkg/logx"

	"github.com/segmentio/kafka-go"
)

const (
	defaultBuffer       = 256
	defaultWriteTimeout = 5 * time.Second
	writeAttempts       = 3
)

type Config struct {
	Brokers      []string
	Topic        string
	Buffer       int
	WriteTimeout time.Duration
}

// Writer is the subset of *kafka.Writer the forwarder uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a synchronous writer. Messages are hashed by key so
// every event of one reminder lands on the same partition, in order.
func NewKafkaWriter(cfg Config) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one Kafka broker address is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka topic is required")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}, nil
}

// Message is the JSON value written for each event.
type Message struct {
	Type     string                 `json:"type"`
	Time     time.Time              `json:"time"`
	Reminder eventbus.ReminderEvent `json:"reminder"`
}

// Forwarder copies reminder.* events from the bus to Kafka. Write failures
// are retried a few times and then logged; they never reach the dispatcher.
type Forwarder struct {
	cfg Config
	w   Writer
	bus eventbus.Bus
	log logx.Logger

	mu    sync.Mutex
	sup   *rtsup.Supervisor
	unsub func()

	written atomic.Uint64
	failed  atomic.Uint64
}

func NewForwarder(cfg Config, w Writer, bus eventbus.Bus, log logx.Logger) *Forwarder {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Forwarder{cfg: cfg, w: w, bus: bus, log: log.With(logx.String("comp", "events"))}
}

func (f *Forwarder) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sup != nil {
		return
	}
	ch, unsub := f.bus.Subscribe(f.cfg.Buffer)
	f.unsub = unsub
	f.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(f.log),
		rtsup.WithCancelOnError(false),
	)
	f.sup.Go0("forward", func(c context.Context) { f.loop(c, ch) })
	f.log.Info("kafka forwarder started", logx.String("topic", f.cfg.Topic), logx.Any("brokers", f.cfg.Brokers))
}

// Stop unsubscribes, flushes what was already received until ctx ends and
// closes the writer.
func (f *Forwarder) Stop(ctx context.Context) error {
	f.mu.Lock()
	sup, unsub := f.sup, f.unsub
	f.sup, f.unsub = nil, nil
	f.mu.Unlock()
	if sup == nil {
		return nil
	}
	unsub()
	_ = sup.Wait(ctx)
	sup.Cancel()
	err := f.w.Close()
	f.log.Info("kafka forwarder stopped", logx.Uint64("written", f.written.Load()), logx.Uint64("failed", f.failed.Load()))
	return err
}

// Stats returns how many messages were written and how many were given up on.
func (f *Forwarder) Stats() (written, failed uint64) {
	return f.written.Load(), f.failed.Load()
}

func (f *Forwarder) loop(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			msg, ok, err := Encode(e)
			if err != nil {
				f.log.Warn("event not encoded", logx.String("type", e.Type), logx.Err(err))
				continue
			}
			if !ok {
				continue
			}
			f.write(ctx, e.Type, msg)
		}
	}
}

func (f *Forwarder) write(ctx context.Context, typ string, msg kafka.Message) {
	backoff := 200 * time.Millisecond
	var err error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, f.cfg.WriteTimeout)
		err = f.w.WriteMessages(wctx, msg)
		cancel()
		if err == nil {
			f.written.Add(1)
			return
		}
		if ctx.Err() != nil || attempt == writeAttempts {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	f.failed.Add(1)
	f.log.Warn("event not forwarded", logx.String("type", typ), logx.Reminder(string(msg.Key)), logx.Err(err))
}

// Encode turns a reminder.* bus event into a Kafka message. Other events
// report ok=false.
func Encode(e eventbus.Event) (kafka.Message, bool, error) {
	if !strings.HasPrefix(e.Type, "reminder.") {
		return kafka.Message{}, false, nil
	}
	var payload eventbus.ReminderEvent
	switch d := e.Data.(type) {
	case eventbus.ReminderEvent:
		payload = d
	case *eventbus.ReminderEvent:
		if d == nil {
			return kafka.Message{}, false, fmt.Errorf("%s: nil payload", e.Type)
		}
		payload = *d
	default:
		return kafka.Message{}, false, fmt.Errorf("%s: unexpected payload %T", e.Type, e.Data)
	}
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	value, err := json.Marshal(Message{Type: e.Type, Time: at.UTC(), Reminder: payload})
	if err != nil {
		return kafka.Message{}, false, fmt.Errorf("marshal %s: %w", e.Type, err)
	}
	return kafka.Message{
		Key:     []byte(payload.ID),
		Value:   value,
		Time:    at,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(e.Type)}},
	}, true, nil
}
