package dispatch

import (
	"sync"
	"time"
)

// timerSet holds at most one one-shot timer per reminder id.
//
// Every arm gets a fresh version. A timer that fires after it was replaced or
// disarmed sees a different version in the map and does nothing, even though
// time.Timer.Stop lost the race.
type timerSet struct {
	mu  sync.Mutex
	m   map[string]armedTimer
	seq uint64
}

type armedTimer struct {
	t   *time.Timer
	gen int64
	at  time.Time
	ver uint64
}

func newTimerSet() *timerSet {
	return &timerSet{m: map[string]armedTimer{}}
}

// arm replaces the timer for id unless that timer belongs to a newer
// generation. A past at fires immediately.
func (s *timerSet) arm(id string, gen int64, at time.Time, fire func(id string, gen int64)) bool {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.m[id]; ok && old.gen > gen {
		return false
	}
	s.armLocked(id, gen, delay, at, fire)
	return true
}

func (s *timerSet) armLocked(id string, gen int64, delay time.Duration, at time.Time, fire func(id string, gen int64)) {
	if old, ok := s.m[id]; ok {
		old.t.Stop()
	}
	s.seq++
	ver := s.seq
	t := time.AfterFunc(delay, func() {
		s.mu.Lock()
		cur, ok := s.m[id]
		if !ok || cur.ver != ver {
			s.mu.Unlock()
			return
		}
		delete(s.m, id)
		s.mu.Unlock()
		fire(id, gen)
	})
	s.m[id] = armedTimer{t: t, gen: gen, at: at, ver: ver}
}

func (s *timerSet) disarm(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.m[id]
	if !ok {
		return false
	}
	old.t.Stop()
	delete(s.m, id)
	return true
}

// generation returns the generation the timer for id was armed with.
func (s *timerSet) generation(id string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.m[id]
	return t.gen, ok
}

func (s *timerSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *timerSet) stopAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.m)
	for id, t := range s.m {
		t.t.Stop()
		delete(s.m, id)
	}
	return n
}

// armIfAbsent arms id only when no timer exists for it.
func (s *timerSet) armIfAbsent(id string, gen int64, at time.Time, fire func(id string, gen int64)) bool {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[id]; ok {
		return false
	}
	s.armLocked(id, gen, delay, at, fire)
	return true
}
