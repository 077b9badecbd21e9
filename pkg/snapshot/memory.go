package snapshot

import (
	"context"
	"fmt"
	"sync"

	"metastate/pkg/compression"
	"metastate/pkg/dberrors"
	"metastate/pkg/types"
)

// MemoryStore keeps uncompressed snapshots in memory.
type MemoryStore struct {
	mu         sync.Mutex
	staged     map[types.SnapshotID]blob
	confirmed  map[types.SnapshotID]blob
	confirmErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		staged:    make(map[types.SnapshotID]blob),
		confirmed: make(map[types.SnapshotID]blob),
	}
}

// FailConfirm makes subsequent ConfirmSnapshot calls fail with err.
func (s *MemoryStore) FailConfirm(err error) {
	s.mu.Lock()
	s.confirmErr = err
	s.mu.Unlock()
}

func (s *MemoryStore) CreateWriter(id types.SnapshotID, meta []byte) (Writer, error) {
	return newPayloadWriter(compression.None, meta, func(b blob) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.staged[id] = b
		return nil
	})
}

func (s *MemoryStore) ConfirmSnapshot(ctx context.Context, id types.SnapshotID) (Params, error) {
	if err := ctx.Err(); err != nil {
		return Params{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.confirmErr != nil {
		return Params{}, s.confirmErr
	}
	b, ok := s.staged[id]
	if !ok {
		return Params{}, fmt.Errorf("%w: %d", dberrors.ErrSnapshotNotFound, id)
	}
	delete(s.staged, id)
	s.confirmed[id] = b
	return b.params, nil
}

func (s *MemoryStore) CreateReader(id types.SnapshotID) (Reader, error) {
	s.mu.Lock()
	b, ok := s.confirmed[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", dberrors.ErrSnapshotNotFound, id)
	}
	return newPayloadReader(b)
}

func (s *MemoryStore) LatestSnapshotID(ctx context.Context, maxID types.SnapshotID) (types.SnapshotID, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		latest types.SnapshotID
		found  bool
	)
	for id := range s.confirmed {
		if id <= maxID && (!found || id > latest) {
			latest, found = id, true
		}
	}
	return latest, found, nil
}
