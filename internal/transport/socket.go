package transport

import (
	"fmt"
	"io"

	"github.com/etherlab/buddy/internal/dispatch"
	"github.com/etherlab/buddy/internal/layer"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const readChunkSize = 4096

// pendingWrite is one queued, possibly partially-written buffer.
type pendingWrite struct {
	buf    *layer.IOBuffer
	data   []byte
	offset int
}

// Socket is the transport layer of spec.md §4.4: the only layer that
// performs real I/O. Writes are queued as (buf, offset, remaining) triples
// and drained non-blockingly; on read, bytes are accumulated and handed to
// the layer above (normally a Framer) until it can consume no more.
type Socket struct {
	fd  int
	d   *dispatch.Dispatcher
	t   *dispatch.Task
	log *zap.SugaredLogger

	recvBuf []byte

	// onReceive is normally Framer.Receive: it consumes as many complete
	// frames as data holds and returns how many bytes it ate.
	onReceive func(data []byte) (int, error)
	// onClosed is invoked when read() returns EOF or a fatal error; it is
	// expected to kill the owning Session's task.
	onClosed func(cause error) error

	writeQueue []pendingWrite
	writable   bool
}

// NewSocket wraps fd (already accept()-ed) as the bottom layer of a
// Session's LayerStack, registering it for readability with task's
// dispatcher and putting it into non-blocking mode.
func NewSocket(
	d *dispatch.Dispatcher,
	t *dispatch.Task,
	fd int,
	log *zap.SugaredLogger,
	onReceive func(data []byte) (int, error),
	onClosed func(cause error) error,
) (*Socket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("transport: setting fd %d non-blocking: %w", fd, err)
	}

	s := &Socket{fd: fd, d: d, t: t, log: log, onReceive: onReceive, onClosed: onClosed}
	t.TrackFD(fd)

	if err := d.RegisterReadable(t, fd, s.handleReadable); err != nil {
		return nil, fmt.Errorf("transport: registering fd %d readable: %w", fd, err)
	}
	return s, nil
}

func (s *Socket) Name() string               { return "socket" }
func (s *Socket) HeaderLength() int          { return 0 }
func (s *Socket) GetHeader(*layer.IOBuffer) []byte { return nil }

func (s *Socket) fail(cause error) error {
	if s.onClosed != nil {
		return s.onClosed(cause)
	}
	return cause
}

// handleReadable drains the socket and calls onReceive repeatedly, per
// spec.md §4.4 ("calls receive() upward until zero is returned").
func (s *Socket) handleReadable() error {
	var chunk [readChunkSize]byte

	for {
		n, err := unix.Read(s.fd, chunk[:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			return s.fail(fmt.Errorf("transport: read fd %d: %w", s.fd, err))
		}
		if n == 0 {
			return s.fail(io.EOF)
		}

		s.recvBuf = append(s.recvBuf, chunk[:n]...)

		for {
			consumed, perr := s.onReceive(s.recvBuf)
			if consumed > 0 {
				s.recvBuf = append(s.recvBuf[:0], s.recvBuf[consumed:]...)
			}
			if perr != nil {
				return s.fail(perr)
			}
			if consumed == 0 {
				break
			}
		}
	}
}

// Send implements layer.Transport. It either writes buf fully now
// (SendTransmitted) or queues the remainder and arms writability
// (SendQueued), preserving order against any already-queued buffers.
func (s *Socket) Send(buf *layer.IOBuffer) (layer.SendResult, error) {
	pw := pendingWrite{buf: buf, data: buf.Bytes()}

	if len(s.writeQueue) > 0 {
		s.writeQueue = append(s.writeQueue, pw)
		return layer.SendQueued, nil
	}

	n, err := s.writeSome(pw.data)
	if err != nil {
		return 0, s.fail(fmt.Errorf("transport: write fd %d: %w", s.fd, err))
	}
	if n == len(pw.data) {
		return layer.SendTransmitted, nil
	}

	pw.offset = n
	s.writeQueue = append(s.writeQueue, pw)
	if err := s.armWritable(true); err != nil {
		return 0, err
	}
	return layer.SendQueued, nil
}

func (s *Socket) writeSome(data []byte) (int, error) {
	n, err := unix.Write(s.fd, data)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

func (s *Socket) armWritable(on bool) error {
	if s.writable == on {
		return nil
	}
	s.writable = on
	return s.d.SetWritable(s.fd, s.handleWritable, on)
}

// handleWritable drains as much of the queue as the socket will currently
// accept. Each fully-written buffer's Finished() is invoked before moving
// on to the next, so IOBuffer ownership is released exactly once.
func (s *Socket) handleWritable() error {
	for len(s.writeQueue) > 0 {
		head := &s.writeQueue[0]
		remaining := head.data[head.offset:]

		n, err := s.writeSome(remaining)
		if err != nil {
			return s.fail(fmt.Errorf("transport: write fd %d: %w", s.fd, err))
		}
		head.offset += n
		if head.offset < len(head.data) {
			// Socket queue is full again; re-arm and wait for the next
			// writable wakeup.
			return nil
		}

		head.buf.Finished()
		s.writeQueue = s.writeQueue[1:]
	}

	return s.armWritable(false)
}
