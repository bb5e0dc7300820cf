package upload

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrReservationNotFound = errors.New("upload reservation not found")

// Staging stores reservations until finalize or expiry.
type Staging interface {
	Put(ctx context.Context, res *Reservation) error
	// Get returns ErrReservationNotFound for unknown or expired uids.
	Get(ctx context.Context, uid string) (*Reservation, error)
	Delete(ctx context.Context, uid string) error
}

// MemoryStaging keeps reservations in process. Expired entries are dropped on
// access and by Put once the map grows past sweepThreshold.
type MemoryStaging struct {
	mu    sync.Mutex
	items map[string]Reservation
	now   func() time.Time
}

const sweepThreshold = 1024

func NewMemoryStaging() *MemoryStaging {
	return &MemoryStaging{items: make(map[string]Reservation), now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (m *MemoryStaging) WithClock(now func() time.Time) *MemoryStaging {
	m.now = now
	return m
}

func (m *MemoryStaging) Put(_ context.Context, res *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) >= sweepThreshold {
		m.sweep()
	}
	m.items[res.UID] = *res
	return nil
}

func (m *MemoryStaging) Get(_ context.Context, uid string) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.items[uid]
	if !ok {
		return nil, ErrReservationNotFound
	}
	if m.now().After(res.ExpiresAt) {
		delete(m.items, uid)
		return nil, ErrReservationNotFound
	}
	return &res, nil
}

func (m *MemoryStaging) Delete(_ context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, uid)
	return nil
}

// sweep drops expired reservations. Must be called with lock held.
func (m *MemoryStaging) sweep() {
	now := m.now()
	for uid, res := range m.items {
		if now.After(res.ExpiresAt) {
			delete(m.items, uid)
		}
	}
}
