// Package wire implements the on-the-wire frame encoding of spec.md §6:
// a 4-byte big-endian length prefix, a 4-byte big-endian channel
// identifier for payloads of N>=8, and the data-channel sample header.
package wire

import (
	"encoding/binary"
	"fmt"
)

// CommandChannel is the reserved channel identifier carrying command and
// control traffic. Any other identifier is assigned by the server at
// SUBSCRIBE time and echoed in every data frame for that subscription.
const CommandChannel uint32 = 0

// LengthPrefixSize is the size in bytes of the length prefix that precedes
// every frame on the wire.
const LengthPrefixSize = 4

// ChannelIDSize is the size in bytes of the channel identifier that opens
// every frame payload of at least 8 bytes.
const ChannelIDSize = 4

// DataEncoding tags how data-channel sample payloads are serialized.
type DataEncoding uint8

const (
	EncodingASCII     DataEncoding = 0
	EncodingBase64Raw DataEncoding = 1
	EncodingZstdRaw   DataEncoding = 2
)

// DataHeaderSize is the fixed size of the data-channel frame header that
// follows the channel identifier: 1-byte encoding + 4-byte LE sample count
// + 8-byte LE first sample index.
const DataHeaderSize = 1 + 4 + 8

// DataHeader is the fixed header of a data-channel frame.
type DataHeader struct {
	Encoding    DataEncoding
	SampleCount uint32
	FirstIndex  uint64
}

// EncodeLength prepends the 4-byte big-endian length prefix to payload.
func EncodeLength(payload []byte) []byte {
	out := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[LengthPrefixSize:], payload)
	return out
}

// DecodeLength reads the 4-byte big-endian length prefix from the front of
// buf, returning the declared payload length. It does not validate that
// buf actually holds that many further bytes; that is PacketFramer's job.
func DecodeLength(buf []byte) (uint32, error) {
	if len(buf) < LengthPrefixSize {
		return 0, fmt.Errorf("wire: buffer too short for length prefix")
	}
	return binary.BigEndian.Uint32(buf), nil
}

// EncodeCommandFrame builds a full on-the-wire frame (length prefix +
// channel id + ASCII line body) for the command channel.
func EncodeCommandFrame(body []byte) []byte {
	payload := make([]byte, ChannelIDSize+len(body))
	binary.BigEndian.PutUint32(payload, CommandChannel)
	copy(payload[ChannelIDSize:], body)
	return EncodeLength(payload)
}

// DecodeChannel reads the 4-byte big-endian channel identifier from the
// front of a frame payload. Only payloads shorter than the 4-byte
// identifier are rejected; a payload of 4 to 7 bytes decodes to an
// identifier and a body of fewer than 4 bytes.
func DecodeChannel(payload []byte) (uint32, []byte, error) {
	if len(payload) < ChannelIDSize {
		return 0, nil, fmt.Errorf("wire: payload %d bytes too short for channel id", len(payload))
	}
	return binary.BigEndian.Uint32(payload), payload[ChannelIDSize:], nil
}

// EncodeDataHeader serializes a DataHeader.
func EncodeDataHeader(h DataHeader) []byte {
	out := make([]byte, DataHeaderSize)
	out[0] = byte(h.Encoding)
	binary.LittleEndian.PutUint32(out[1:5], h.SampleCount)
	binary.LittleEndian.PutUint64(out[5:13], h.FirstIndex)
	return out
}

// DecodeDataHeader parses the fixed data-channel header from the front of
// buf, returning the header and the remaining payload bytes.
func DecodeDataHeader(buf []byte) (DataHeader, []byte, error) {
	if len(buf) < DataHeaderSize {
		return DataHeader{}, nil, fmt.Errorf("wire: data header needs %d bytes, got %d", DataHeaderSize, len(buf))
	}
	h := DataHeader{
		Encoding:    DataEncoding(buf[0]),
		SampleCount: binary.LittleEndian.Uint32(buf[1:5]),
		FirstIndex:  binary.LittleEndian.Uint64(buf[5:13]),
	}
	return h, buf[DataHeaderSize:], nil
}

// EncodeDataFrame builds a full on-the-wire frame for a data channel:
// length prefix + channel id + data header + sample payload.
func EncodeDataFrame(channel uint32, h DataHeader, samples []byte) []byte {
	payload := make([]byte, ChannelIDSize+DataHeaderSize+len(samples))
	binary.BigEndian.PutUint32(payload, channel)
	copy(payload[ChannelIDSize:ChannelIDSize+DataHeaderSize], EncodeDataHeader(h))
	copy(payload[ChannelIDSize+DataHeaderSize:], samples)
	return EncodeLength(payload)
}
