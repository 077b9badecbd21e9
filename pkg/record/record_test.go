package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"metastate/pkg/dberrors"
	"metastate/pkg/types"
)

func TestEncodeDecode(t *testing.T) {
	h := Header{
		MutationType: "metamap.set",
		Timestamp:    time.UnixMicro(1_700_000_000_123_456),
		RandomSeed:   0xdeadbeefcafe,
		SegmentID:    4,
		RecordID:     17,
	}
	rec, err := Encode(h, []byte("payload"))
	require.NoError(t, err)

	got, data, err := Decode(rec)
	require.NoError(t, err)
	require.Equal(t, h.MutationType, got.MutationType)
	require.True(t, h.Timestamp.Equal(got.Timestamp))
	require.Equal(t, h.RandomSeed, got.RandomSeed)
	require.Equal(t, types.NewVersion(4, 17), got.Version())
	require.Equal(t, []byte("payload"), data)
}

func TestEncodeIsDeterministic(t *testing.T) {
	h := Header{MutationType: "x", Timestamp: time.UnixMicro(5), RandomSeed: 9, SegmentID: 1, RecordID: 2}
	a, err := Encode(h, []byte{1, 2, 3})
	require.NoError(t, err)
	b, err := Encode(h, []byte{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	rec, err := Encode(Header{MutationType: "x", Timestamp: time.UnixMicro(1)}, []byte("abc"))
	require.NoError(t, err)

	_, _, err = Decode(rec[:len(rec)-1])
	require.ErrorIs(t, err, dberrors.ErrCorruptRecord)

	_, _, err = Decode(rec[:3])
	require.ErrorIs(t, err, dberrors.ErrCorruptRecord)
}

func TestSegmentMeta(t *testing.T) {
	m, err := UnmarshalSegmentMeta(SegmentMeta{PrevRecordCount: 1234}.Marshal())
	require.NoError(t, err)
	require.EqualValues(t, 1234, m.PrevRecordCount)

	empty, err := UnmarshalSegmentMeta(nil)
	require.NoError(t, err)
	require.Zero(t, empty.PrevRecordCount)
}
