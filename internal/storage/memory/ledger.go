package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/contentgen-pipeline/internal/access"
	"github.com/JakeFAU/contentgen-pipeline/internal/pipeline"
)

// Ledger provides an in-memory access ledger for development/testing.
type Ledger struct {
	mu    sync.RWMutex
	byIP  map[string]*access.Entry
	byID  map[string]*access.Entry
	clock pipeline.Clock
	ids   pipeline.IDGenerator
}

// NewLedger constructs a Ledger.
func NewLedger(clock pipeline.Clock, ids pipeline.IDGenerator) *Ledger {
	return &Ledger{
		byIP:  make(map[string]*access.Entry),
		byID:  make(map[string]*access.Entry),
		clock: clock,
		ids:   ids,
	}
}

// RequestAccess creates a pending entry or returns the existing one unchanged.
func (l *Ledger) RequestAccess(_ context.Context, ip, note string) (access.Entry, error) {
	ip, err := access.NormalizeIP(ip)
	if err != nil {
		return access.Entry{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.byIP[ip]; ok {
		return *existing, nil
	}
	id, err := l.ids.NewID()
	if err != nil {
		return access.Entry{}, fmt.Errorf("generate access id: %w", err)
	}
	entry := &access.Entry{
		ID:          id,
		IP:          ip,
		Status:      access.StatusPending,
		Note:        note,
		RequestedAt: l.clock.Now(),
	}
	l.byIP[ip] = entry
	l.byID[id] = entry
	return *entry, nil
}

// Lookup fetches an entry by IP.
func (l *Ledger) Lookup(_ context.Context, ip string) (access.Entry, error) {
	ip, err := access.NormalizeIP(ip)
	if err != nil {
		return access.Entry{}, access.ErrNotFound
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.byIP[ip]
	if !ok {
		return access.Entry{}, access.ErrNotFound
	}
	return *entry, nil
}

// List returns a copy of every entry, most recently requested first.
func (l *Ledger) List(_ context.Context) ([]access.Entry, error) {
	l.mu.RLock()
	out := make([]access.Entry, 0, len(l.byID))
	for _, entry := range l.byID {
		out = append(out, *entry)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	return out, nil
}

// SetStatus applies an admin transition.
func (l *Ledger) SetStatus(_ context.Context, id string, status access.Status) (access.Entry, error) {
	if !status.Valid() {
		return access.Entry{}, fmt.Errorf("%w: %q", access.ErrInvalidStatus, status)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.byID[id]
	if !ok {
		return access.Entry{}, access.ErrNotFound
	}
	updated := entry.Transition(status, l.clock.Now())
	*entry = updated
	return updated, nil
}
