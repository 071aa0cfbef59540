package main

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/etherlab/buddy/internal/signal"
)

func TestParseAddrWildcard(t *testing.T) {
	sa, err := parseAddr("0.0.0.0", 2500)
	require.NoError(t, err)
	in4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	require.Equal(t, 2500, in4.Port)
	require.Equal(t, [4]byte{0, 0, 0, 0}, in4.Addr)
}

func TestParseAddrDottedQuad(t *testing.T) {
	sa, err := parseAddr("127.0.0.1", 9001)
	require.NoError(t, err)
	in4 := sa.(*unix.SockaddrInet4)
	require.Equal(t, [4]byte{127, 0, 0, 1}, in4.Addr)
}

func TestParseAddrRejectsGarbage(t *testing.T) {
	_, err := parseAddr("not-an-address", 1)
	require.Error(t, err)
}

func TestPeerHostFormatsInet4(t *testing.T) {
	host := peerHost(&unix.SockaddrInet4{Addr: [4]byte{10, 0, 0, 5}})
	require.Equal(t, "10.0.0.5", host)
}

func TestPeerHostUnknownFamily(t *testing.T) {
	require.Equal(t, "unknown", peerHost(&unix.SockaddrInet6{}))
}

func TestDemoWaveformWritesEveryDescriptorWithinBounds(t *testing.T) {
	descriptors := []*signal.Descriptor{
		{Path: "/f", Type: signal.F64, Offset: 0},
		{Path: "/i", Type: signal.U16, Offset: 8},
	}
	fill := demoWaveform(descriptors)

	out := make([]byte, 10)
	fill(3, out)

	// The float lane should not be all zero once a nonzero tick has been
	// folded through sin(), and the integer lane should carry the tick.
	require.NotEqual(t, make([]byte, 8), out[0:8])
	require.Equal(t, byte(3), out[8])
	require.Equal(t, byte(0), out[9])
}

func TestDemoWaveformSkipsDescriptorsOutOfBounds(t *testing.T) {
	descriptors := []*signal.Descriptor{
		{Path: "/oob", Type: signal.F64, Offset: 4},
	}
	fill := demoWaveform(descriptors)

	out := make([]byte, 8)
	require.NotPanics(t, func() { fill(1, out) })
}
