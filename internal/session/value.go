package session

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/etherlab/buddy/internal/signal"
)

// formatValue renders the raw bytes of a scalar descriptor as an ASCII
// decimal with precision fractional digits for floating-point types.
// Implements spec.md §9's "tagged-variant dispatch" redesign in place of
// the source's per-type callback table: one switch over DataType, no
// function pointers stored per variable.
func formatValue(d *signal.Descriptor, raw []byte, precision int) string {
	switch d.Type {
	case signal.U8:
		return strconv.FormatUint(uint64(raw[0]), 10)
	case signal.I8:
		return strconv.FormatInt(int64(int8(raw[0])), 10)
	case signal.U16:
		return strconv.FormatUint(uint64(binary.LittleEndian.Uint16(raw)), 10)
	case signal.I16:
		return strconv.FormatInt(int64(int16(binary.LittleEndian.Uint16(raw))), 10)
	case signal.U32:
		return strconv.FormatUint(uint64(binary.LittleEndian.Uint32(raw)), 10)
	case signal.I32:
		return strconv.FormatInt(int64(int32(binary.LittleEndian.Uint32(raw))), 10)
	case signal.U64:
		return strconv.FormatUint(binary.LittleEndian.Uint64(raw), 10)
	case signal.I64:
		return strconv.FormatInt(int64(binary.LittleEndian.Uint64(raw)), 10)
	case signal.F32:
		v := math.Float32frombits(binary.LittleEndian.Uint32(raw))
		return strconv.FormatFloat(float64(v), 'f', precision, 32)
	case signal.F64:
		v := math.Float64frombits(binary.LittleEndian.Uint64(raw))
		return strconv.FormatFloat(v, 'f', precision, 64)
	case signal.ComplexF64:
		re := math.Float64frombits(binary.LittleEndian.Uint64(raw[0:8]))
		im := math.Float64frombits(binary.LittleEndian.Uint64(raw[8:16]))
		return fmt.Sprintf("%s+%si", strconv.FormatFloat(re, 'f', precision, 64), strconv.FormatFloat(im, 'f', precision, 64))
	default:
		return fmt.Sprintf("%x", raw)
	}
}

// encodeValue parses an ASCII decimal value into d's native byte
// representation for a WRITE. Mirrors formatValue's tagged-variant
// dispatch.
func encodeValue(d *signal.Descriptor, text string) ([]byte, error) {
	out := make([]byte, d.ByteLen())

	switch d.Type {
	case signal.U8:
		v, err := strconv.ParseUint(text, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("session: invalid u8 value %q", text)
		}
		out[0] = byte(v)
	case signal.I8:
		v, err := strconv.ParseInt(text, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("session: invalid i8 value %q", text)
		}
		out[0] = byte(int8(v))
	case signal.U16:
		v, err := strconv.ParseUint(text, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("session: invalid u16 value %q", text)
		}
		binary.LittleEndian.PutUint16(out, uint16(v))
	case signal.I16:
		v, err := strconv.ParseInt(text, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("session: invalid i16 value %q", text)
		}
		binary.LittleEndian.PutUint16(out, uint16(int16(v)))
	case signal.U32:
		v, err := strconv.ParseUint(text, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("session: invalid u32 value %q", text)
		}
		binary.LittleEndian.PutUint32(out, uint32(v))
	case signal.I32:
		v, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("session: invalid i32 value %q", text)
		}
		binary.LittleEndian.PutUint32(out, uint32(int32(v)))
	case signal.U64:
		v, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("session: invalid u64 value %q", text)
		}
		binary.LittleEndian.PutUint64(out, v)
	case signal.I64:
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("session: invalid i64 value %q", text)
		}
		binary.LittleEndian.PutUint64(out, uint64(v))
	case signal.F32:
		v, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return nil, fmt.Errorf("session: invalid f32 value %q", text)
		}
		binary.LittleEndian.PutUint32(out, math.Float32bits(float32(v)))
	case signal.F64:
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("session: invalid f64 value %q", text)
		}
		binary.LittleEndian.PutUint64(out, math.Float64bits(v))
	default:
		return nil, fmt.Errorf("session: WRITE unsupported for type %s", d.Type)
	}

	return out, nil
}
