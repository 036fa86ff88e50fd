package peer

import bitmap "github.com/boljen/go-bitmap"

// Bitfield is a fixed-cardinality set of piece indices, backed by the
// teacher's go-bitmap byte-packed representation, extended with the
// set algebra spec §3 requires (union, difference, membership,
// min-index, emptiness, all, none) — operations go-bitmap itself
// does not provide.
type Bitfield struct {
	n    int
	bits bitmap.Bitmap
}

// NewBitfield allocates an empty bitfield over n piece indices.
func NewBitfield(n int) Bitfield {
	return Bitfield{n: n, bits: bitmap.New(n)}
}

// BitfieldFromBytes rebuilds a bitfield of n indices from a packed
// byte payload, as received in a wire Bitfield message.
func BitfieldFromBytes(n int, data []byte) Bitfield {
	bf := NewBitfield(n)
	for i := 0; i < n; i++ {
		if bitmap.Get(data, i) {
			bf.bits.Set(i, true)
		}
	}
	return bf
}

// Len returns N, the representable index count.
func (b Bitfield) Len() int { return b.n }

// Has reports whether index i is a member.
func (b Bitfield) Has(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	return b.bits.Get(i)
}

// Set adds or removes index i.
func (b Bitfield) Set(i int, v bool) {
	if i < 0 || i >= b.n {
		return
	}
	b.bits.Set(i, v)
}

// IsEmpty reports whether no index is a member.
func (b Bitfield) IsEmpty() bool {
	for i := 0; i < b.n; i++ {
		if b.bits.Get(i) {
			return false
		}
	}
	return true
}

// IsAll reports whether every representable index is a member.
func (b Bitfield) IsAll() bool {
	for i := 0; i < b.n; i++ {
		if !b.bits.Get(i) {
			return false
		}
	}
	return true
}

// Min returns the smallest member index, or (-1, false) if empty.
func (b Bitfield) Min() (int, bool) {
	for i := 0; i < b.n; i++ {
		if b.bits.Get(i) {
			return i, true
		}
	}
	return -1, false
}

// Union returns a new bitfield containing every index in b or other.
func (b Bitfield) Union(other Bitfield) Bitfield {
	out := NewBitfield(b.n)
	for i := 0; i < b.n; i++ {
		if b.bits.Get(i) || other.Has(i) {
			out.bits.Set(i, true)
		}
	}
	return out
}

// Difference returns the indices in b that are not in other (b \ other).
func (b Bitfield) Difference(other Bitfield) Bitfield {
	out := NewBitfield(b.n)
	for i := 0; i < b.n; i++ {
		if b.bits.Get(i) && !other.Has(i) {
			out.bits.Set(i, true)
		}
	}
	return out
}

// Indices returns the sorted member indices.
func (b Bitfield) Indices() []int {
	out := make([]int, 0)
	for i := 0; i < b.n; i++ {
		if b.bits.Get(i) {
			out = append(out, i)
		}
	}
	return out
}

// Bytes returns the packed byte representation suitable for a wire
// Bitfield message.
func (b Bitfield) Bytes() []byte {
	return b.bits.Data(true)
}

// FromSet returns the bitfield over n indices containing exactly the
// given indices.
func FromSet(n int, indices ...int) Bitfield {
	bf := NewBitfield(n)
	for _, i := range indices {
		bf.Set(i, true)
	}
	return bf
}
