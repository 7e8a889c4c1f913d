package wire

import (
	"encoding/binary"
	"math/bits"

	"github.com/mdlayher/netlink/nlenc"
)

// Attr is a single type-length-value attribute. Data excludes the header and
// padding.
type Attr struct {
	Type uint16
	Data []byte
}

// Attributes holds the top-level attributes of one queue message, indexed by
// type. Values alias the decoded buffer. Types above AttrMax are dropped.
type Attributes struct {
	vals    [AttrMax + 1][]byte
	present uint32
}

// Get returns the value of attribute typ.
func (a *Attributes) Get(typ uint16) ([]byte, bool) {
	if !a.Has(typ) {
		return nil, false
	}
	return a.vals[typ], true
}

// Has reports whether attribute typ was present, even with an empty value.
func (a *Attributes) Has(typ uint16) bool {
	return typ <= AttrMax && a.present&(1<<typ) != 0
}

// Len returns the number of distinct attributes present.
func (a *Attributes) Len() int {
	return bits.OnesCount32(a.present)
}

// List returns the present attributes in ascending type order.
func (a *Attributes) List() []Attr {
	out := make([]Attr, 0, a.Len())
	for typ := uint16(0); typ <= AttrMax; typ++ {
		if a.Has(typ) {
			out = append(out, Attr{Type: typ, Data: a.vals[typ]})
		}
	}
	return out
}

func (a *Attributes) set(typ uint16, v []byte) {
	if typ > AttrMax {
		return
	}
	a.vals[typ] = v
	a.present |= 1 << typ
}

// walkAttributes calls fn for every attribute in b. base is the offset of b
// inside the caller's buffer and is only used for error reporting. The final
// attribute may omit its trailing padding, as nla_ok allows.
func walkAttributes(b []byte, base int, fn func(typ uint16, val []byte) error) error {
	off := 0
	for off < len(b) {
		rest := b[off:]
		if len(rest) < nlaHeaderLen {
			return malformed(base+off, "truncated attribute header (%d bytes left)", len(rest))
		}
		l := int(nlenc.Uint16(rest[0:2]))
		typ := nlenc.Uint16(rest[2:4]) & nlaTypeMask
		if l < nlaHeaderLen {
			return malformed(base+off, "attribute %d length %d shorter than header", typ, l)
		}
		if l > len(rest) {
			return malformed(base+off, "attribute %d length %d exceeds %d remaining bytes", typ, l, len(rest))
		}
		if err := fn(typ, rest[nlaHeaderLen:l]); err != nil {
			return err
		}
		next := align4(l)
		if next > len(rest) {
			next = len(rest)
		}
		off += next
	}
	return nil
}

func be32(v []byte, typ uint16) (uint32, error) {
	if len(v) < 4 {
		return 0, malformed(0, "attribute %d holds %d bytes, want 4", typ, len(v))
	}
	return binary.BigEndian.Uint32(v), nil
}
