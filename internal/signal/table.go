// Package signal implements the immutable-after-init registries of
// variables exported by the real-time side: the signal table and the
// parameter table. Both share the same descriptor shape and lookup
// semantics; they differ only in which image (signal or parameter) their
// offsets are relative to.
package signal

import (
	"fmt"

	"github.com/gobwas/glob"
)

// DataType tags the wire/native representation of a variable.
type DataType uint8

const (
	U8 DataType = iota
	I8
	U16
	I16
	U32
	I32
	U64
	I64
	F32
	F64
	ComplexF64
)

// Size returns the size in bytes of a single element of this type.
func (t DataType) Size() int {
	switch t {
	case U8, I8:
		return 1
	case U16, I16:
		return 2
	case U32, I32, F32:
		return 4
	case U64, I64, F64:
		return 8
	case ComplexF64:
		return 16
	default:
		panic(fmt.Sprintf("signal: unknown data type %d", t))
	}
}

func (t DataType) String() string {
	switch t {
	case U8:
		return "u8"
	case I8:
		return "i8"
	case U16:
		return "u16"
	case I16:
		return "i16"
	case U32:
		return "u32"
	case I32:
		return "i32"
	case U64:
		return "u64"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	case ComplexF64:
		return "complex-f64"
	default:
		return "unknown"
	}
}

// Descriptor is an immutable record describing one exported variable.
type Descriptor struct {
	ID         uint32
	Path       string
	Name       string
	Alias      string
	Type       DataType
	Dims       []uint32
	Offset     uint32
	SampleTime uint32
}

// Elements returns the number of scalar elements described by Dims (1 for
// a scalar, product of dims for a vector/matrix).
func (d *Descriptor) Elements() int {
	n := 1
	for _, dim := range d.Dims {
		n *= int(dim)
	}
	if n == 0 {
		return 1
	}
	return n
}

// ByteLen returns the total byte length of this variable in its image.
func (d *Descriptor) ByteLen() int {
	return d.Elements() * d.Type.Size()
}

// Table is an immutable-after-init registry of variable descriptors,
// indexed by path. It backs both the signal table and the parameter
// table; imageSize bounds Offset+ByteLen() for every entry.
type Table struct {
	byPath    map[string]*Descriptor
	ordered   []*Descriptor
	imageSize uint32
}

// NewTable builds a Table from a list of descriptors, validating that
// paths are unique and every descriptor's byte range fits within
// imageSize.
func NewTable(imageSize uint32, descriptors []*Descriptor) (*Table, error) {
	t := &Table{
		byPath:    make(map[string]*Descriptor, len(descriptors)),
		imageSize: imageSize,
	}

	for _, d := range descriptors {
		if _, exists := t.byPath[d.Path]; exists {
			return nil, fmt.Errorf("signal: duplicate path %q", d.Path)
		}
		end := d.Offset + uint32(d.ByteLen())
		if end > imageSize {
			return nil, fmt.Errorf("signal: %q offset+size %d exceeds image bounds %d", d.Path, end, imageSize)
		}
		t.byPath[d.Path] = d
		t.ordered = append(t.ordered, d)
	}

	return t, nil
}

// Lookup returns the descriptor for path, or ok=false if not present.
func (t *Table) Lookup(path string) (*Descriptor, bool) {
	d, ok := t.byPath[path]
	return d, ok
}

// All returns every descriptor in registration order.
func (t *Table) All() []*Descriptor {
	return t.ordered
}

// Match returns every descriptor whose path matches the given glob pattern
// (github.com/gobwas/glob syntax), in registration order. An empty pattern
// matches everything.
func (t *Table) Match(pattern string) ([]*Descriptor, error) {
	if pattern == "" {
		return t.All(), nil
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("signal: invalid glob pattern %q: %w", pattern, err)
	}

	var out []*Descriptor
	for _, d := range t.ordered {
		if g.Match(d.Path) {
			out = append(out, d)
		}
	}
	return out, nil
}

// ImageSize returns the byte size of the backing image this table's
// offsets are relative to.
func (t *Table) ImageSize() uint32 {
	return t.imageSize
}
