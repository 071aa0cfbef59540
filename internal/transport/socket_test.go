package transport

import (
	"io"
	"testing"

	"github.com/etherlab/buddy/internal/dispatch"
	"github.com/etherlab/buddy/internal/layer"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func newTestPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestSocketReceiveDeliversCompleteFramesOnly(t *testing.T) {
	d, err := dispatch.New(zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	peerFD, sockFD := newTestPair(t)
	task := d.Root().NewChild("session")

	var delivered [][]byte
	s, err := NewSocket(d, task, sockFD, zap.NewNop().Sugar(),
		func(data []byte) (int, error) {
			if len(data) < 2 {
				return 0, nil
			}
			n := int(data[0])<<8 | int(data[1])
			if len(data) < 2+n {
				return 0, nil
			}
			frame := make([]byte, n)
			copy(frame, data[2:2+n])
			delivered = append(delivered, frame)
			return 2 + n, nil
		},
		nil,
	)
	require.NoError(t, err)
	require.NotNil(t, s)

	_, err = unix.Write(peerFD, []byte{0, 3, 'a', 'b', 'c', 0, 2, 'd'})
	require.NoError(t, err)

	require.NoError(t, d.RunOnce())
	require.Len(t, delivered, 1)
	require.Equal(t, []byte("abc"), delivered[0])

	_, err = unix.Write(peerFD, []byte{'e'})
	require.NoError(t, err)
	require.NoError(t, d.RunOnce())
	require.Len(t, delivered, 2)
	require.Equal(t, []byte("de"), delivered[1])
}

func TestSocketOnClosedFiresOnEOF(t *testing.T) {
	d, err := dispatch.New(zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	peerFD, sockFD := newTestPair(t)
	task := d.Root().NewChild("session")

	var closedWith error
	_, err = NewSocket(d, task, sockFD, zap.NewNop().Sugar(),
		func(data []byte) (int, error) { return 0, nil },
		func(cause error) error {
			closedWith = cause
			return task.Kill(cause)
		},
	)
	require.NoError(t, err)

	require.NoError(t, unix.Close(peerFD))
	require.NoError(t, d.RunOnce())

	require.ErrorIs(t, closedWith, io.EOF)
	require.True(t, task.Killed())
}

func TestSocketSendTransmitsImmediatelyWhenBufferHasRoom(t *testing.T) {
	d, err := dispatch.New(zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	peerFD, sockFD := newTestPair(t)
	task := d.Root().NewChild("session")

	s, err := NewSocket(d, task, sockFD, zap.NewNop().Sugar(),
		func(data []byte) (int, error) { return 0, nil },
		nil,
	)
	require.NoError(t, err)

	stack, err := layer.NewStack(s)
	require.NoError(t, err)
	buf := stack.NewIOBuffer(0, []byte("hello"))

	finished := false
	buf.OnFinish(func() { finished = true })
	require.NoError(t, stack.Transmit(buf))
	require.True(t, finished)

	got := make([]byte, 5)
	n, err := unix.Read(peerFD, got)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got[:n]))
}
