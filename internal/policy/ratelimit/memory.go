package ratelimit

import (
	"context"
	"sync"
	"time"
)

const sweepEvery = 1024

type window struct {
	start time.Time
	count int
	span  time.Duration
}

// Memory is a process-local fixed-window limiter.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*window
	calls   int
}

// NewMemory builds a Memory limiter. A nil now uses time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, windows: make(map[string]*window)}
}

// Allow counts one request for key under rule.
func (m *Memory) Allow(_ context.Context, rule Rule, key string) (Decision, error) {
	if err := rule.Validate(); err != nil {
		return Decision{}, err
	}
	now := m.now()
	id := rule.Name + ":" + key

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.calls%sweepEvery == 0 {
		m.sweep(now)
	}

	w, ok := m.windows[id]
	if !ok || now.Sub(w.start) >= rule.Window {
		w = &window{start: now, span: rule.Window}
		m.windows[id] = w
	}
	w.count++
	return decide(rule, w.count, w.start.Add(rule.Window).Sub(now)), nil
}

func (m *Memory) sweep(now time.Time) {
	for id, w := range m.windows {
		if now.Sub(w.start) >= w.span {
			delete(m.windows, id)
		}
	}
}
