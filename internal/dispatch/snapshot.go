package dispatch

import "time"

// Snapshot is a point-in-time view of the dispatcher for logs and debugging.
type Snapshot struct {
	Running     bool         `json:"running"`
	Ready       bool         `json:"ready"`
	Armed       int          `json:"armed"`
	InFlight    int          `json:"in_flight"`
	Locks       int          `json:"locks"`
	Sweep       string       `json:"sweep"`
	Sweeps      uint64       `json:"sweeps"`
	LastSweep   time.Time    `json:"last_sweep,omitempty"`
	RecoveredAt time.Time    `json:"recovered_at,omitempty"`
	Sent        uint64       `json:"sent"`
	Failed      uint64       `json:"failed"`
	Interrupted uint64       `json:"interrupted"`
	Pool        PoolSnapshot `json:"pool"`
}

func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	s := Snapshot{
		Running:     d.ctx != nil,
		Sweep:       d.cfg.Sweep,
		Sweeps:      d.stats.sweeps,
		LastSweep:   d.stats.sweptAt,
		RecoveredAt: d.stats.recoveredAt,
		Sent:        d.stats.sent,
		Failed:      d.stats.failed,
		Interrupted: d.stats.interrupted,
	}
	d.mu.Unlock()

	select {
	case <-d.ready:
		s.Ready = true
	default:
	}
	s.Armed = d.timers.len()
	s.Locks = d.locks.len()
	d.imu.Lock()
	s.InFlight = len(d.inflight)
	d.imu.Unlock()
	s.Pool = d.pool.Snapshot()
	return s
}
