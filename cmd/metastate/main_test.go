package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"metastate/pkg/changelog"
	"metastate/pkg/record"
)

func TestChangelogDump(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := changelog.NewFileStore(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	cl, err := store.CreateChangelog(ctx, 0, record.SegmentMeta{PrevRecordCount: 7}.Marshal())
	require.NoError(t, err)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, typ := range []string{"set", "remove"} {
		rec, err := record.Encode(record.Header{
			MutationType: typ,
			Timestamp:    ts,
			RandomSeed:   42,
			RecordID:     uint64(i),
		}, []byte("payload"))
		require.NoError(t, err)
		cl.Append(rec)
	}
	_, err = cl.Flush().Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	var out bytes.Buffer
	cmd := newChangelogCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"dump", "--dir", dir, "--segment", "0"})
	require.NoError(t, cmd.ExecuteContext(ctx))

	got := out.String()
	require.Contains(t, got, "segment=0 records=2")
	require.Contains(t, got, "prev_record_count=7")
	require.Contains(t, got, "0:0 type=set ts=2024-05-01T12:00:00.000000Z seed=42 bytes=7")
	require.Contains(t, got, "0:1 type=remove")
}

func TestChangelogDumpMissingSegment(t *testing.T) {
	cmd := newChangelogCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"dump", "--dir", t.TempDir(), "--segment", "3"})
	require.Error(t, cmd.ExecuteContext(context.Background()))
}
