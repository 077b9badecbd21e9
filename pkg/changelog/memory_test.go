package changelog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"metastate/pkg/dberrors"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	c, err := s.CreateChangelog(ctx, 0, []byte("m"))
	require.NoError(t, err)
	appendN(t, c, 0, 3)
	require.EqualValues(t, 3, c.RecordCount())
	require.EqualValues(t, len("record-0")*3, c.DataSize())

	_, err = s.CreateChangelog(ctx, 0, nil)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)

	same, err := s.OpenChangelog(ctx, 0)
	require.NoError(t, err)
	require.Same(t, c, same)

	boom := errors.New("disk full")
	s.FailCreate(boom)
	_, err = s.CreateChangelog(ctx, 1, nil)
	require.ErrorIs(t, err, boom)

	_, err = c.Seal(2).Wait(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, c.RecordCount())
	_, err = c.Append([]byte("x")).Wait(ctx)
	require.ErrorIs(t, err, dberrors.ErrChangelogSealed)
}
