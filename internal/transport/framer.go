// Package transport provides the two lowest layers of a Session's
// LayerStack: the non-blocking socket transport and the length-prefixed
// packet framer above it.
package transport

import (
	"encoding/binary"

	"github.com/etherlab/buddy/internal/layer"
	"github.com/etherlab/buddy/internal/wire"
)

// Framer is the PacketFramer layer of spec.md §4.4. It prepends a 4-byte
// big-endian length on send, and on receive loops over data delivering one
// complete length-prefixed frame payload at a time to deliverUp.
type Framer struct {
	deliverUp func(payload []byte) error
}

// NewFramer creates a Framer that posts each complete frame's payload to
// deliverUp.
func NewFramer(deliverUp func(payload []byte) error) *Framer {
	return &Framer{deliverUp: deliverUp}
}

func (f *Framer) Name() string      { return "packet-framer" }
func (f *Framer) HeaderLength() int { return wire.LengthPrefixSize }

// GetHeader encodes the big-endian length of everything buf carries above
// this layer (the channel id plus the command/data body).
func (f *Framer) GetHeader(buf *layer.IOBuffer) []byte {
	h := make([]byte, wire.LengthPrefixSize)
	binary.BigEndian.PutUint32(h, uint32(len(buf.Payload())))
	return h
}

// Receive consumes as many complete length-prefixed frames as are present
// in data, delivering each one's payload upward in order, and returns the
// number of bytes consumed. Any residue (an incomplete trailing frame)
// must be re-presented by the caller on the next call, prefixed to
// whatever new bytes arrived since.
func (f *Framer) Receive(data []byte) (int, error) {
	consumed := 0
	for {
		remaining := data[consumed:]
		if len(remaining) < wire.LengthPrefixSize {
			break
		}
		n, err := wire.DecodeLength(remaining)
		if err != nil {
			return consumed, err
		}
		total := wire.LengthPrefixSize + int(n)
		if len(remaining) < total {
			break
		}

		payload := remaining[wire.LengthPrefixSize:total]
		if err := f.deliverUp(payload); err != nil {
			return consumed, err
		}
		consumed += total
	}
	return consumed, nil
}
