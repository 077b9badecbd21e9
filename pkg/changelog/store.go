package changelog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"metastate/pkg/dberrors"
	"metastate/pkg/types"
)

// FileStore keeps one file per segment under a directory. Opened changelogs
// are cached so every caller shares the same writer.
type FileStore struct {
	dir    string
	logger *slog.Logger

	mu     sync.Mutex
	open   map[types.SegmentID]*FileChangelog
	closed bool
}

func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty changelog dir")
	}
	if logger == nil {
		logger = slog.Default()
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create changelog directory: %w", err)
	}

	return &FileStore{
		dir:    dir,
		logger: logger.With("component", "changelog"),
		open:   make(map[types.SegmentID]*FileChangelog),
	}, nil
}

func (s *FileStore) CreateChangelog(ctx context.Context, id types.SegmentID, meta []byte) (Changelog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, dberrors.ErrClosed
	}

	c, err := createFileChangelog(s.dir, id, meta, s.logger)
	if err != nil {
		return nil, err
	}
	c.Start(context.Background())
	s.open[id] = c

	s.logger.Info("changelog created", "segment_id", id)
	return c, nil
}

func (s *FileStore) OpenChangelog(ctx context.Context, id types.SegmentID) (Changelog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, dberrors.ErrClosed
	}
	if c, ok := s.open[id]; ok {
		return c, nil
	}

	c, err := openFileChangelog(s.dir, id, s.logger)
	if err != nil {
		return nil, err
	}
	c.Start(context.Background())
	s.open[id] = c
	return c, nil
}

func (s *FileStore) LatestChangelogID(ctx context.Context) (types.SegmentID, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	ids, err := s.listIDs()
	if err != nil {
		return 0, false, err
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	return ids[len(ids)-1], true, nil
}

// listIDs returns segment ids present on disk in ascending order.
func (s *FileStore) listIDs() ([]types.SegmentID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list changelog directory: %w", err)
	}

	var ids []types.SegmentID
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".log") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, ".log"), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	// ReadDir sorts by name and names are zero padded.
	return ids, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, c := range s.open {
		errs = append(errs, c.Close())
	}
	s.open = nil
	return errors.Join(errs...)
}
