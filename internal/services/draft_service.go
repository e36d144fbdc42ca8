package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// DraftSnapshot is one typing-progress sample from the argumentation phase.
// Snapshots live in a side channel and never touch the session.
type DraftSnapshot struct {
	ID        string
	Handle    string
	Identity  string
	Text      string
	CreatedAt time.Time
}

type DraftStore interface {
	AppendDraft(ctx context.Context, d DraftSnapshot) error
}

// DraftService accepts at most one snapshot per interval per session.
type DraftService struct {
	store    DraftStore
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	limiters map[string]*draftLimiter
}

type draftLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewDraftService(store DraftStore, interval time.Duration) *DraftService {
	if interval <= 0 {
		interval = time.Second
	}
	return &DraftService{
		store:    store,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		limiters: map[string]*draftLimiter{},
	}
}

func (s *DraftService) allow(handle string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[handle]
	if !ok {
		l = &draftLimiter{lim: rate.NewLimiter(rate.Every(s.interval), 1)}
		s.limiters[handle] = l
	}
	l.lastSeen = now
	return l.lim.AllowN(now, 1)
}

// Forget drops the limiter of a finished session.
func (s *DraftService) Forget(handle string) {
	s.mu.Lock()
	delete(s.limiters, handle)
	s.mu.Unlock()
}

// Sweep drops limiters unused for longer than idle, which covers sessions
// abandoned while writing. It returns how many were removed.
func (s *DraftService) Sweep(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	cutoff := s.now().Add(-idle)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for h, l := range s.limiters {
		if l.lastSeen.Before(cutoff) {
			delete(s.limiters, h)
			n++
		}
	}
	return n
}

// Record stores a snapshot for a session that is writing its argumentation.
func (s *DraftService) Record(ctx context.Context, sess *Session, text string) error {
	if sess.Phase != PhaseCollectingArgumentation {
		return NewTransitionError("drafts are only accepted while writing the argumentation")
	}
	now := s.now()
	if !s.allow(sess.Handle, now) {
		return NewTooManyRequestsError("draft snapshots are throttled")
	}
	d := DraftSnapshot{
		ID:        uuid.NewString(),
		Handle:    sess.Handle,
		Identity:  sess.Identity,
		Text:      strings.TrimRight(text, " \t"),
		CreatedAt: now,
	}
	if err := s.store.AppendDraft(ctx, d); err != nil {
		return NewStoreUnavailableError("append draft", err)
	}
	return nil
}
