package session

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/etherlab/buddy/internal/channelset"
	"github.com/etherlab/buddy/internal/wire"
	"github.com/klauspost/compress/zstd"
)

// pump is driven once per producer wakeup (Server.onWake) for every
// session in START_STREAM. It scans every complete record newly
// available on the session's own reader, applies each subscribed
// channel's decimation/block accumulation, and emits data frames.
// Overrun is declared per spec.md §5 once available(r) exceeds capacity
// minus the configured safety margin, ahead of the ring actually lapping
// the reader: the session emits `=EVENT overrun` exactly once and its
// cursor is snapped forward.
func (sess *Session) pump() {
	if sess.reader.ExceedsMargin(sess.server.overrunMargin) {
		sess.reader.Resync()
		sess.channels.Clear()
		_ = sess.send(eventLine("overrun"))
		return
	}

	for {
		raw, err := sess.reader.Linearize()
		if err != nil {
			sess.reader.Resync()
			sess.channels.Clear()
			_ = sess.send(eventLine("overrun"))
			return
		}

		consumed, header, payload, ok := decodeOneRecord(raw)
		if !ok {
			return
		}
		sess.reader.Skip(consumed)
		sess.emitRecord(header.Tick, payload)
	}
}

// emitRecord drives every subscribed channel's decimation and block
// accumulation against one newly published record, emitting a data
// frame per channel whose block is complete or whose event_only value
// just changed.
func (sess *Session) emitRecord(tick uint64, payload []byte) {
	for _, ch := range sess.channels.All() {
		d := ch.Descriptor
		end := d.Offset + uint32(d.ByteLen())
		if end > uint32(len(payload)) {
			continue
		}
		raw := payload[d.Offset:end]

		if ch.Options.EventOnly {
			if !ch.Changed(raw) {
				continue
			}
			// Any partially accumulated block is flushed with the event
			// emission. event_only channels never call Tick or
			// AccumulateBlock, so the emitted block is the single changed
			// sample, whatever block_size and decimation were given.
			firstTick, pending := ch.FlushBlock()
			pending = append(pending, raw...)
			if len(pending) == len(raw) {
				firstTick = tick
			}
			if err := sess.emitBlock(ch, firstTick, pending); err != nil {
				sess.log.Warnw("emit sample", "path", d.Path, "error", err)
			}
			continue
		}

		if !ch.Tick() {
			continue
		}
		full, firstTick, block := ch.AccumulateBlock(tick, raw)
		if !full {
			continue
		}
		if err := sess.emitBlock(ch, firstTick, block); err != nil {
			sess.log.Warnw("emit sample", "path", d.Path, "error", err)
		}
	}
}

// emitBlock encodes block (one or more concatenated raw samples,
// starting at firstTick) per the channel's configured encoding and sends
// it as a data frame on the channel's assigned wire id.
func (sess *Session) emitBlock(ch *channelset.Channel, firstTick uint64, block []byte) error {
	elemLen := ch.Descriptor.ByteLen()
	sampleCount := uint32(1)
	if elemLen > 0 {
		sampleCount = uint32(len(block) / elemLen)
	}

	switch ch.Options.Encoding {
	case channelset.ASCII:
		var b bytes.Buffer
		for off := 0; off < len(block); off += elemLen {
			b.WriteString(formatValue(ch.Descriptor, block[off:off+elemLen], int(ch.Options.Precision)))
			b.WriteByte('\n')
		}
		h := wire.DataHeader{Encoding: wire.EncodingASCII, SampleCount: sampleCount, FirstIndex: firstTick}
		return sess.sendData(ch.ID, h, b.Bytes())

	case channelset.Base64Raw:
		encoded := base64.StdEncoding.EncodeToString(block)
		body := []byte(encoded + "\n")
		h := wire.DataHeader{Encoding: wire.EncodingBase64Raw, SampleCount: sampleCount, FirstIndex: firstTick}
		return sess.sendData(ch.ID, h, body)

	case channelset.ZstdRaw:
		compressed, err := zstdCompress(block)
		if err != nil {
			return fmt.Errorf("session: zstd encode %q: %w", ch.Descriptor.Path, err)
		}
		h := wire.DataHeader{Encoding: wire.EncodingZstdRaw, SampleCount: sampleCount, FirstIndex: firstTick}
		return sess.sendData(ch.ID, h, compressed)

	default:
		return fmt.Errorf("session: unknown encoding %d", ch.Options.Encoding)
	}
}

// zstdCompress encodes raw as a self-contained zstd frame (resolving
// Open Question 1: "zstdstream" advertises raw per-frame zstd blocks,
// not a shared streaming dictionary across frames).
func zstdCompress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(raw); err != nil {
		_ = enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
