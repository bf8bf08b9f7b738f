package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genselfie/api/internal/model"
)

// Store stashes request state across a checkout redirect. TakeOnce is
// linearizable: for a given id exactly one caller ever gets the session
// back, no matter how the calls interleave with each other or with
// expiry.
type Store interface {
	Put(ctx context.Context, s *model.PendingSession) (string, error)
	TakeOnce(ctx context.Context, id string) (*model.PendingSession, bool)
}

// MemoryStore keeps pending sessions in process memory with a background
// reaper. Expiry is also enforced on read, so a session past its TTL is
// gone even before the next sweep.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*entry
	ttl      time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

type entry struct {
	session   *model.PendingSession
	expiresAt time.Time
}

func NewMemoryStore(ttl, sweepInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]*entry),
		ttl:      ttl,
		done:     make(chan struct{}),
	}
	go s.reap(sweepInterval)
	return s
}

func (s *MemoryStore) Put(ctx context.Context, sess *model.PendingSession) (string, error) {
	id := uuid.New().String()
	sess.ID = id
	sess.CreatedAt = time.Now()

	s.mu.Lock()
	s.sessions[id] = &entry{session: sess, expiresAt: sess.CreatedAt.Add(s.ttl)}
	s.mu.Unlock()
	return id, nil
}

// TakeOnce removes and returns the session. The delete under the same
// lock as the read is what makes the take exclusive.
func (s *MemoryStore) TakeOnce(ctx context.Context, id string) (*model.PendingSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	delete(s.sessions, id)
	if time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.session, true
}

// TTL reports how long stashed sessions live.
func (s *MemoryStore) TTL() time.Duration {
	return s.ttl
}

// Stop terminates the reaper goroutine.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *MemoryStore) reap(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for id, e := range s.sessions {
				if now.After(e.expiresAt) {
					delete(s.sessions, id)
				}
			}
			s.mu.Unlock()
		}
	}
}
