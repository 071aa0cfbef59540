package session

import "github.com/etherlab/buddy/internal/producer"

// decodeOneRecord parses a single producer.RecordHeader-prefixed record
// from the front of raw, returning the total bytes it occupies, its
// header, and its payload. ok is false if raw does not yet hold a
// complete record (the caller should stop scanning until the next
// producer wakeup).
func decodeOneRecord(raw []byte) (consumed uint32, header producer.RecordHeader, payload []byte, ok bool) {
	if len(raw) < producer.RecordHeaderSize {
		return 0, producer.RecordHeader{}, nil, false
	}
	header, err := producer.DecodeRecordHeader(raw)
	if err != nil {
		return 0, producer.RecordHeader{}, nil, false
	}
	total := uint32(producer.RecordHeaderSize) + header.PayloadLen
	if uint32(len(raw)) < total {
		return 0, producer.RecordHeader{}, nil, false
	}
	return total, header, raw[producer.RecordHeaderSize:total], true
}
