package changelog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"metastate/pkg/dberrors"
)

func newTestStore(t *testing.T, dir string) *FileStore {
	t.Helper()
	s, err := NewFileStore(dir, slog.Default())
	require.NoError(t, err)
	return s
}

func appendN(t *testing.T, c Changelog, from, n int) {
	t.Helper()
	ctx := context.Background()
	for i := from; i < from+n; i++ {
		_, err := c.Append([]byte(fmt.Sprintf("record-%d", i))).Wait(ctx)
		require.NoError(t, err)
	}
}

func TestFileChangelogAppendRead(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, t.TempDir())
	defer s.Close()

	c, err := s.CreateChangelog(ctx, 0, []byte("meta"))
	require.NoError(t, err)
	appendN(t, c, 0, 10)

	require.EqualValues(t, 10, c.RecordCount())
	recs, err := c.Read(3, 4)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	require.Equal(t, []byte("record-3"), recs[0])
	require.Equal(t, []byte("record-6"), recs[3])

	recs, err = c.Read(8, 100)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	recs, err = c.Read(10, 1)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestFileChangelogReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := newTestStore(t, dir)
	c, err := s.CreateChangelog(ctx, 3, []byte("meta-3"))
	require.NoError(t, err)
	appendN(t, c, 0, 5)
	size := c.DataSize()
	require.NoError(t, s.Close())

	s = newTestStore(t, dir)
	defer s.Close()

	latest, ok, err := s.LatestChangelogID(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 3, latest)

	c, err = s.OpenChangelog(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, []byte("meta-3"), c.Meta())
	require.EqualValues(t, 5, c.RecordCount())
	require.Equal(t, size, c.DataSize())

	appendN(t, c, 5, 1)
	recs, err := c.Read(0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 6)
	require.Equal(t, []byte("record-5"), recs[5])
}

func TestFileChangelogTornTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := newTestStore(t, dir)
	c, err := s.CreateChangelog(ctx, 0, nil)
	require.NoError(t, err)
	appendN(t, c, 0, 3)
	require.NoError(t, s.Close())

	f, err := os.OpenFile(segmentPath(dir, 0), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.Write([]byte{42, 0, 0, 0, 1, 2})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = newTestStore(t, dir)
	defer s.Close()
	c, err = s.OpenChangelog(ctx, 0)
	require.NoError(t, err)
	require.EqualValues(t, 3, c.RecordCount())
}

func TestFileChangelogSealAndTruncate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := newTestStore(t, dir)
	c, err := s.CreateChangelog(ctx, 0, nil)
	require.NoError(t, err)
	appendN(t, c, 0, 6)

	require.NoError(t, c.Truncate(4))
	require.EqualValues(t, 4, c.RecordCount())

	_, err = c.Seal(5).Wait(ctx)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)

	_, err = c.Seal(4).Wait(ctx)
	require.NoError(t, err)
	require.True(t, c.IsSealed())

	_, err = c.Append([]byte("late")).Wait(ctx)
	require.ErrorIs(t, err, dberrors.ErrChangelogSealed)
	require.ErrorIs(t, c.Truncate(1), dberrors.ErrChangelogSealed)
	require.NoError(t, s.Close())

	s = newTestStore(t, dir)
	defer s.Close()
	c, err = s.OpenChangelog(ctx, 0)
	require.NoError(t, err)
	require.True(t, c.IsSealed())
	require.EqualValues(t, 4, c.RecordCount())
}

func TestFileStoreMissingChangelog(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	defer s.Close()

	_, err := s.OpenChangelog(context.Background(), 7)
	require.ErrorIs(t, err, dberrors.ErrChangelogNotFound)

	_, ok, err := s.LatestChangelogID(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}
