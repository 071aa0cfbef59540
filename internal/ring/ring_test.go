package ring

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	buf := New(32)
	reader := buf.NewReader()

	var written []byte
	for i := 0; i < 100; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, 3) // well under capacity/5
		buf.Write(chunk)
		written = append(written, chunk...)

		dst := make([]byte, 3)
		n, err := reader.Read(dst)
		require.NoError(t, err)
		require.Equal(t, 3, n)
		require.Equal(t, chunk, dst)
	}
}

func TestOverrunDetectedAndResynced(t *testing.T) {
	buf := New(16)
	reader := buf.NewReader()

	// Write more than capacity without reading: each write <= capacity/5.
	chunk := []byte{1, 2, 3}
	for i := 0; i < 8; i++ { // 24 bytes > 16 capacity
		buf.Write(chunk)
	}

	require.True(t, reader.Overrun())

	dst := make([]byte, 3)
	n, err := reader.Read(dst)
	require.ErrorIs(t, err, ErrOverrun)
	require.Equal(t, 0, n)

	// Resynced: no longer overrun, available is zero until next write.
	require.False(t, reader.Overrun())
	require.Equal(t, uint32(0), reader.Available())
}

func TestExceedsMarginTripsBeforeHardOverrun(t *testing.T) {
	buf := New(16)
	reader := buf.NewReader()

	buf.Write([]byte{1, 2, 3}) // 3 bytes available, well under capacity
	require.False(t, reader.Overrun())
	require.False(t, reader.ExceedsMargin(4))

	for i := 0; i < 3; i++ { // 12 more bytes: 15 available, still < capacity
		buf.Write([]byte{1, 2, 3, 4})
	}

	require.False(t, reader.Overrun())
	require.True(t, reader.ExceedsMargin(4)) // 15 > 16-4
}

func TestExceedsMarginZeroMarginMatchesOverrun(t *testing.T) {
	buf := New(16)
	reader := buf.NewReader()

	for i := 0; i < 4; i++ {
		buf.Write([]byte{1, 2, 3, 4})
	}

	require.False(t, reader.Overrun())
	require.False(t, reader.ExceedsMargin(0))
}

func TestWritePtrAdvanceMatchesWrite(t *testing.T) {
	buf := New(16)
	reader := buf.NewReader()

	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	ptr := buf.WritePtr(uint32(len(payload)))
	copy(ptr, payload)
	buf.Advance(uint32(len(payload)))

	dst := make([]byte, len(payload))
	n, err := reader.Read(dst)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, dst)
}

func TestLinearizeContiguousAcrossWrap(t *testing.T) {
	buf := New(10)
	reader := buf.NewReader()

	// Advance the writer close to the end so the next writes wrap.
	buf.Write([]byte{1, 2})
	dst := make([]byte, 2)
	_, err := reader.Read(dst)
	require.NoError(t, err)

	buf.Write([]byte{3, 4, 5, 6, 7, 8}) // writer now at physical 8
	buf.Write([]byte{9, 10})            // wraps: writer now at physical 0

	view, err := reader.Linearize()
	require.NoError(t, err)
	require.Equal(t, []byte{3, 4, 5, 6, 7, 8, 9, 10}, view)
}

func TestLinearizeThenSkipAdvancesCursorWithoutCopy(t *testing.T) {
	buf := New(32)
	reader := buf.NewReader()

	buf.Write([]byte{1, 2, 3, 4})
	view, err := reader.Linearize()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, view)

	reader.Skip(2)
	require.Equal(t, uint32(2), reader.Available())

	view, err = reader.Linearize()
	require.NoError(t, err)
	require.Equal(t, []byte{3, 4}, view)
}

func TestMultipleIndependentReaders(t *testing.T) {
	buf := New(32)
	r1 := buf.NewReader()
	r2 := buf.NewReader()

	buf.Write([]byte{1, 2, 3})
	buf.Write([]byte{4, 5, 6})

	dst1 := make([]byte, 6)
	n1, err := r1.Read(dst1)
	require.NoError(t, err)
	require.Equal(t, 6, n1)

	// r2 hasn't read anything yet; it should see the same bytes.
	dst2 := make([]byte, 6)
	n2, err := r2.Read(dst2)
	require.NoError(t, err)
	require.Equal(t, 6, n2)

	require.Equal(t, dst1, dst2)
}
