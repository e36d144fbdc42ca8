package api

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/soaringjerry/NormLab/internal/services"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionRegistry holds in-flight sessions by handle. Get returns a private copy;
// changes become visible only through Put.
type SessionRegistry interface {
	Get(ctx context.Context, handle string) (*services.Session, error)
	Put(ctx context.Context, s *services.Session) error
	Delete(ctx context.Context, handle string) error
}

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// MemoryRegistry keeps sessions in process. Entries expire ttl after their last Put.
type MemoryRegistry struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	return &MemoryRegistry{entries: map[string]memoryEntry{}, ttl: ttl, now: time.Now}
}

func (r *MemoryRegistry) Get(_ context.Context, handle string) (*services.Session, error) {
	r.mu.Lock()
	e, ok := r.entries[handle]
	if ok && r.ttl > 0 && r.now().After(e.expires) {
		delete(r.entries, handle)
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	var s services.Session
	if err := json.Unmarshal(e.data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *MemoryRegistry) Put(_ context.Context, s *services.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[s.Handle] = memoryEntry{data: data, expires: r.now().Add(r.ttl)}
	return nil
}

func (r *MemoryRegistry) Delete(_ context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, handle)
	return nil
}

// Sweep drops expired entries and returns how many were removed.
func (r *MemoryRegistry) Sweep() int {
	if r.ttl <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for h, e := range r.entries {
		if now.After(e.expires) {
			delete(r.entries, h)
			n++
		}
	}
	return n
}

// handleLocks serialises requests for the same session.
type handleLocks struct {
	mu    sync.Mutex
	locks map[string]*handleLock
}

type handleLock struct {
	mu   sync.Mutex
	refs int
}

func newHandleLocks() *handleLocks {
	return &handleLocks{locks: map[string]*handleLock{}}
}

func (l *handleLocks) Lock(handle string) func() {
	l.mu.Lock()
	hl, ok := l.locks[handle]
	if !ok {
		hl = &handleLock{}
		l.locks[handle] = hl
	}
	hl.refs++
	l.mu.Unlock()

	hl.mu.Lock()
	return func() {
		hl.mu.Unlock()
		l.mu.Lock()
		hl.refs--
		if hl.refs == 0 {
			delete(l.locks, handle)
		}
		l.mu.Unlock()
	}
}
