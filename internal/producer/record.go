package producer

import (
	"encoding/binary"
	"fmt"
)

// RecordHeaderSize is the fixed header spec.md §4.2 prescribes for every
// record appended to the global RingBuffer: sample-time index, tick
// counter, payload length.
const RecordHeaderSize = 4 + 8 + 4

// RecordHeader precedes every tick's payload in the RingBuffer.
type RecordHeader struct {
	SampleTimeIndex uint32
	Tick            uint64
	PayloadLen      uint32
}

// EncodeRecordHeader writes h in the fixed binary layout consumers expect.
func EncodeRecordHeader(h RecordHeader) []byte {
	buf := make([]byte, RecordHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.SampleTimeIndex)
	binary.LittleEndian.PutUint64(buf[4:12], h.Tick)
	binary.LittleEndian.PutUint32(buf[12:16], h.PayloadLen)
	return buf
}

// DecodeRecordHeader parses a record header from the front of b.
func DecodeRecordHeader(b []byte) (RecordHeader, error) {
	if len(b) < RecordHeaderSize {
		return RecordHeader{}, fmt.Errorf("producer: short record header (%d bytes)", len(b))
	}
	return RecordHeader{
		SampleTimeIndex: binary.LittleEndian.Uint32(b[0:4]),
		Tick:            binary.LittleEndian.Uint64(b[4:12]),
		PayloadLen:      binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}
