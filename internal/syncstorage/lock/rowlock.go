package lock

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// BoltLock is the row-lock mode: one sync.RWMutex per (userID, collection)
// pair, held in a sync.Map the way a database row lock would be held for
// the duration of a transaction. Grounded on the teacher's pattern of
// sharding in-process state in a sync.Map keyed by a composite string
// (pkg/events/events.go's subscriber map, generalized from subscriber ids
// to lock keys).
type BoltLock struct {
	mus sync.Map // map[string]*sync.RWMutex
}

func NewBoltLock() *BoltLock {
	return &BoltLock{}
}

func (l *BoltLock) muFor(userID, collection string) *sync.RWMutex {
	key := userID + ":" + collection
	v, _ := l.mus.LoadOrStore(key, &sync.RWMutex{})
	return v.(*sync.RWMutex)
}

func (l *BoltLock) RLock(ctx context.Context, userID, collection string) (Session, error) {
	mu := l.muFor(userID, collection)
	if err := acquireBounded(ctx, "row", "read", mu.TryRLock); err != nil {
		return nil, err
	}
	return &rowSession{mu: mu, id: uuid.New(), writer: false}, nil
}

func (l *BoltLock) Lock(ctx context.Context, userID, collection string) (Session, error) {
	mu := l.muFor(userID, collection)
	if err := acquireBounded(ctx, "row", "write", mu.TryLock); err != nil {
		return nil, err
	}
	return &rowSession{mu: mu, id: uuid.New(), writer: true}, nil
}

type rowSession struct {
	mu         *sync.RWMutex
	id         uuid.UUID
	writer     bool
	released   bool
	releaseMu  sync.Mutex
}

func (s *rowSession) ID() uuid.UUID { return s.id }
func (s *rowSession) Writer() bool  { return s.writer }

func (s *rowSession) Release() {
	s.releaseMu.Lock()
	defer s.releaseMu.Unlock()
	if s.released {
		return
	}
	s.released = true
	if s.writer {
		s.mu.Unlock()
	} else {
		s.mu.RUnlock()
	}
}

func (s *rowSession) Upgrade(ctx context.Context) (Session, error) {
	return nil, errLockUpgradeNotAllowed()
}
