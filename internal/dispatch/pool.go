package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "medremind/internal/runtime/supervisor"
	logx "medremind/pkg/logx"
)

var (
	ErrStopped  = errors.New("dispatch pool stopped")
	ErrStopping = errors.New("dispatch pool stopping")
)

// PoolConfig controls the delivery worker pool.
type PoolConfig struct {
	Workers     int
	QueueSize   int
	HistorySize int
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Task is one unit of work. Timeout bounds Run's context; zero means none.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

type PoolSnapshot struct {
	Workers   int           `json:"workers"`
	QueueLen  int           `json:"queue_len"`
	QueueCap  int           `json:"queue_cap"`
	InFlight  int           `json:"in_flight"`
	Completed uint64        `json:"completed"`
	Failed    uint64        `json:"failed"`
	History   []HistoryItem `json:"history,omitempty"`
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
}

// Pool runs tasks on a fixed set of workers fed by a bounded queue.
//
// Stop lets running tasks finish; their contexts are only cancelled when the
// Stop context expires. Queued tasks that never started are discarded.
type Pool struct {
	mu  sync.Mutex
	cfg PoolConfig
	log logx.Logger

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	inFlight  int32
	completed atomic.Uint64
	failed    atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func NewPool(cfg PoolConfig, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{cfg: cfg.withDefaults(), log: log}
}

// Start is idempotent.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return
	}
	cfg := p.cfg
	p.q = make(chan queuedTask, cfg.QueueSize)
	p.stopCh = make(chan struct{})
	p.stopping = false
	p.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(p.log),
		rtsup.WithCancelOnError(false),
	)

	queue, stopCh, sup := p.q, p.stopCh, p.sup
	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			p.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	p.log.Info("dispatch pool started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop stops accepting work and waits for running tasks until ctx ends.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopCh == nil || p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	close(p.stopCh)
	sup := p.sup
	p.mu.Unlock()

	err := sup.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		p.log.Warn("dispatch pool stop timed out; cancelling running tasks", logx.Err(ctx.Err()))
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = sup.Wait(wctx)
		cancel()
	}
	sup.Cancel()

	p.mu.Lock()
	p.q = nil
	p.stopCh = nil
	p.sup = nil
	p.stopping = false
	p.mu.Unlock()
	p.log.Info("dispatch pool stopped")
}

// Submit enqueues t and blocks until it is accepted, ctx ends or the pool stops.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task Name is required")
	}

	p.mu.Lock()
	q, stopCh, stopping := p.q, p.stopCh, p.stopping
	p.mu.Unlock()
	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	qt := queuedTask{task: t, enqueuedAt: time.Now()}
	select {
	case q <- qt:
		return nil
	case <-stopCh:
		return ErrStopping
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case qt := <-queue:
			atomic.AddInt32(&p.inFlight, 1)
			p.execOne(ctx, qt)
			atomic.AddInt32(&p.inFlight, -1)
		}
	}
}

func (p *Pool) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	runCtx := ctx
	cancel := func() {}
	if qt.task.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.task.Timeout)
	}
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				p.log.Error("task panic", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = qt.task.Run(runCtx)
	}()
	cancel()

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		p.failed.Add(1)
		p.log.Debug("task failed", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	} else {
		p.completed.Add(1)
		p.log.Debug("task completed", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	}

	p.hmu.Lock()
	p.history = append(p.history, item)
	if n := p.cfg.HistorySize; len(p.history) > n {
		p.history = p.history[len(p.history)-n:]
	}
	p.hmu.Unlock()
}

func (p *Pool) Snapshot() PoolSnapshot {
	p.mu.Lock()
	cfg := p.cfg
	q := p.q
	p.mu.Unlock()

	s := PoolSnapshot{
		Workers:   cfg.Workers,
		InFlight:  int(atomic.LoadInt32(&p.inFlight)),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
	if q != nil {
		s.QueueLen = len(q)
		s.QueueCap = cap(q)
	}
	p.hmu.Lock()
	s.History = append([]HistoryItem(nil), p.history...)
	p.hmu.Unlock()
	return s
}
