package lock

import (
	"context"

	"github.com/google/uuid"
)

// SnapshotLock is the degenerate "lock" for snapshot mode: a bbolt View
// transaction is already a consistent MVCC snapshot, and an Update
// transaction is already serialized against every other Update by bbolt's
// single-writer guarantee. There is nothing to actually hold here; the
// Session exists only so the coordinator's acquire/release call sites are
// uniform across all three lock modes.
type SnapshotLock struct{}

func NewSnapshotLock() *SnapshotLock {
	return &SnapshotLock{}
}

func (l *SnapshotLock) RLock(ctx context.Context, userID, collection string) (Session, error) {
	return &snapshotSession{id: uuid.New(), writer: false}, nil
}

func (l *SnapshotLock) Lock(ctx context.Context, userID, collection string) (Session, error) {
	return &snapshotSession{id: uuid.New(), writer: true}, nil
}

type snapshotSession struct {
	id     uuid.UUID
	writer bool
}

func (s *snapshotSession) ID() uuid.UUID                              { return s.id }
func (s *snapshotSession) Writer() bool                               { return s.writer }
func (s *snapshotSession) Release()                                   {}
func (s *snapshotSession) Upgrade(ctx context.Context) (Session, error) {
	return nil, errLockUpgradeNotAllowed()
}

var (
	_ Manager = (*BoltLock)(nil)
	_ Manager = (*SnapshotLock)(nil)
)
