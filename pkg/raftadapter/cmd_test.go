package raftadapter

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"metastate/pkg/dberrors"
)

func TestCmdEncoding(t *testing.T) {
	for _, cmd := range []Cmd{
		NewMutationCmd([]byte("record")),
		NewRotateCmd(7),
		NewBarrierCmd(),
	} {
		got, err := UnmarshalCmd(cmd.Marshal())
		require.NoError(t, err)
		require.Equal(t, cmd, got)
	}
}

func TestCmdRejectsGarbage(t *testing.T) {
	_, err := UnmarshalCmd([]byte{0xff})
	require.ErrorIs(t, err, dberrors.ErrCorruptRecord)

	var b []byte
	b = protowire.AppendTag(b, cmdFieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, 42)
	_, err = UnmarshalCmd(b)
	require.ErrorIs(t, err, dberrors.ErrCorruptRecord)
}
