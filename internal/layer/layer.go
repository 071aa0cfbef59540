// Package layer implements the composable send/receive pipeline that sits
// above each Session's socket: a length-prefixed packet framer and a
// command-processing layer on top of the raw transport.
//
// The original design (spec.md §9, "Cyclic layer graph") stored next- and
// previous-pointers in every layer. Here a Stack holds its Layers in a
// plain slice and neighbours are found by index arithmetic, so no layer
// ever holds a pointer to another layer struct; the one place a layer
// needs to push bytes to its neighbour above, it is handed a plain
// closure at construction time instead of a back-pointer.
package layer

import "fmt"

// SendResult reports what a transport layer did with a buffer handed to
// Send.
type SendResult int

const (
	// SendTransmitted means every byte was written; the caller may
	// release the buffer immediately.
	SendTransmitted SendResult = iota
	// SendQueued means the buffer was accepted but not fully written yet;
	// the transport keeps ownership and calls IOBuffer.Finished() itself
	// once the last byte has gone out.
	SendQueued
)

// Layer is a member of a Session's send-side stack. Every layer
// contributes a fixed-length header that IOBuffer reserves space for.
type Layer interface {
	Name() string
	HeaderLength() int
	// GetHeader returns this layer's header bytes for buf, computed from
	// buf's payload pointer/length, to be written into buf's reserved
	// prefix region just before the buffer descends.
	GetHeader(buf *IOBuffer) []byte
}

// Transport is implemented by the lowest layer in a Stack (the socket): it
// is the only layer that performs real I/O.
type Transport interface {
	Layer
	Send(buf *IOBuffer) (SendResult, error)
}

// IOBuffer is an outbound byte-assembly unit bound to the layer that
// created it. Its prefix is reserved at construction for every layer
// strictly below the owner; writes by the owner append payload after the
// reserved prefix. It is consumed exactly once by Stack.Transmit.
type IOBuffer struct {
	stack     *Stack
	owner     int
	prefixLen int
	data      []byte
	onFinish  func()
}

// Payload returns the buffer's payload region (after the reserved
// prefix), which the owning layer may still append to before transmit.
func (b *IOBuffer) Payload() []byte {
	return b.data[b.prefixLen:]
}

// Append grows the payload region by p.
func (b *IOBuffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

// Bytes returns the full buffer, prefix included. Only meaningful after
// Stack.Transmit has filled in every layer's header.
func (b *IOBuffer) Bytes() []byte {
	return b.data
}

// OnFinish registers a callback invoked exactly once, when the buffer is
// released by Finished.
func (b *IOBuffer) OnFinish(cb func()) {
	b.onFinish = cb
}

// Finished releases the buffer. Called by the transport layer once the
// buffer has been fully written to the wire.
func (b *IOBuffer) Finished() {
	if b.onFinish != nil {
		cb := b.onFinish
		b.onFinish = nil
		cb()
	}
}

// Stack is the ordered list of Layers for one Session, indexed bottom
// (the transport, index 0) to top. The invariant in spec.md §3 — header
// length sum along the stack equals the reserved prefix of every owned
// IOBuffer — is enforced in NewIOBuffer.
type Stack struct {
	layers []Layer
}

// NewStack builds a Stack. layers[0] must implement Transport.
func NewStack(layers ...Layer) (*Stack, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("layer: stack needs at least one layer")
	}
	if _, ok := layers[0].(Transport); !ok {
		return nil, fmt.Errorf("layer: bottom layer %q is not a Transport", layers[0].Name())
	}
	return &Stack{layers: layers}, nil
}

// prefixUpTo returns the sum of header lengths of layers strictly below
// index i (i.e. layers[0:i]).
func (s *Stack) prefixUpTo(i int) int {
	n := 0
	for _, l := range s.layers[:i] {
		n += l.HeaderLength()
	}
	return n
}

// IndexOf returns the stack index of a layer by name, or -1.
func (s *Stack) IndexOf(name string) int {
	for i, l := range s.layers {
		if l.Name() == name {
			return i
		}
	}
	return -1
}

// NewIOBuffer creates a buffer owned by the layer at ownerIndex, with its
// prefix reserved for every layer strictly below it.
func (s *Stack) NewIOBuffer(ownerIndex int, payload []byte) *IOBuffer {
	prefix := s.prefixUpTo(ownerIndex)
	data := make([]byte, prefix+len(payload))
	copy(data[prefix:], payload)
	return &IOBuffer{stack: s, owner: ownerIndex, prefixLen: prefix, data: data}
}

// Transmit fills in every header below buf's owner, in stack order, then
// hands the buffer to the transport (index 0). If the transport reports
// SendTransmitted, the buffer is released immediately; otherwise the
// transport itself will call Finished later.
func (s *Stack) Transmit(buf *IOBuffer) error {
	for i := buf.owner - 1; i >= 0; i-- {
		header := s.layers[i].GetHeader(buf)
		if len(header) != s.layers[i].HeaderLength() {
			return fmt.Errorf("layer: %q returned %d header bytes, want %d", s.layers[i].Name(), len(header), s.layers[i].HeaderLength())
		}
		offset := s.prefixUpTo(i)
		copy(buf.data[offset:offset+len(header)], header)
	}

	transport := s.layers[0].(Transport)
	result, err := transport.Send(buf)
	if err != nil {
		return err
	}
	if result == SendTransmitted {
		buf.Finished()
	}
	return nil
}
