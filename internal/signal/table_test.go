package signal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTableRejectsDuplicatePaths(t *testing.T) {
	_, err := NewTable(64, []*Descriptor{
		{Path: "/a", Type: F64, Offset: 0},
		{Path: "/a", Type: F64, Offset: 8},
	})
	require.Error(t, err)
}

func TestNewTableRejectsOutOfBounds(t *testing.T) {
	_, err := NewTable(4, []*Descriptor{
		{Path: "/a", Type: F64, Offset: 0}, // 8 bytes, image only 4
	})
	require.Error(t, err)
}

func TestLookupAndMatch(t *testing.T) {
	tbl, err := NewTable(64, []*Descriptor{
		{Path: "/motor/speed", Type: F64, Offset: 0},
		{Path: "/motor/torque", Type: F32, Offset: 8},
		{Path: "/sensor/temp", Type: I16, Offset: 12},
	})
	require.NoError(t, err)

	d, ok := tbl.Lookup("/motor/speed")
	require.True(t, ok)
	require.Equal(t, F64, d.Type)

	_, ok = tbl.Lookup("/missing")
	require.False(t, ok)

	matches, err := tbl.Match("/motor/*")
	require.NoError(t, err)
	require.Len(t, matches, 2)

	all, err := tbl.Match("")
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestDescriptorByteLen(t *testing.T) {
	d := &Descriptor{Type: F64, Dims: []uint32{4}}
	require.Equal(t, 32, d.ByteLen())

	scalar := &Descriptor{Type: I16}
	require.Equal(t, 2, scalar.ByteLen())
}
