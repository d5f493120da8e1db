// Package bitfield implements the dense bit vectors used to track piece and
// chunk state. Bits are stored in wire order: the high bit of byte 0 is index
// 0, matching the layout of bitfield messages exchanged with peers, so a
// vector can be spliced into the protocol without conversion.
package bitfield

import (
	"fmt"
	"math/bits"
)

type Bitfield struct {
	b []byte
	n int
}

// New returns a zeroed Bitfield of n bits.
func New(n int) Bitfield {
	return Bitfield{
		b: make([]byte, (n+7)/8),
		n: n,
	}
}

// FromBytes wraps a wire-format byte slice as an n bit Bitfield. The slice is
// not copied. Errors if the slice is too short, or long enough to hold more
// than 7 spare bits.
func FromBytes(b []byte, n int) (Bitfield, error) {
	if len(b) != (n+7)/8 {
		return Bitfield{}, fmt.Errorf("bitfield of %d bytes cannot represent %d bits", len(b), n)
	}
	return Bitfield{b: b, n: n}, nil
}

func (bf Bitfield) Len() int {
	return bf.n
}

// Bytes exposes the backing storage in wire order.
func (bf Bitfield) Bytes() []byte {
	return bf.b
}

func (bf Bitfield) checkIndex(i int) {
	if i < 0 || i >= bf.n {
		panic(fmt.Sprintf("bitfield index %d out of range [0, %d)", i, bf.n))
	}
}

func (bf Bitfield) Get(i int) bool {
	bf.checkIndex(i)
	return bf.b[i/8]>>(7-uint(i%8))&1 == 1
}

func (bf Bitfield) Set(i int) {
	bf.checkIndex(i)
	bf.b[i/8] |= 1 << (7 - uint(i%8))
}

func (bf Bitfield) Clear(i int) {
	bf.checkIndex(i)
	bf.b[i/8] &^= 1 << (7 - uint(i%8))
}

func (bf Bitfield) checkRange(begin, end int) {
	if begin < 0 || end > bf.n || begin > end {
		panic(fmt.Sprintf("bitfield range [%d, %d) out of range [0, %d)", begin, end, bf.n))
	}
}

// SetRange sets every bit in [begin, end).
func (bf Bitfield) SetRange(begin, end int) {
	bf.checkRange(begin, end)
	for i := begin; i < end; i++ {
		bf.b[i/8] |= 1 << (7 - uint(i%8))
	}
}

// ClearRange clears every bit in [begin, end).
func (bf Bitfield) ClearRange(begin, end int) {
	bf.checkRange(begin, end)
	for i := begin; i < end; i++ {
		bf.b[i/8] &^= 1 << (7 - uint(i%8))
	}
}

// AllSet reports whether every bit in [begin, end) is set. An empty range is
// vacuously all set.
func (bf Bitfield) AllSet(begin, end int) bool {
	bf.checkRange(begin, end)
	for i := begin; i < end; i++ {
		if bf.b[i/8]>>(7-uint(i%8))&1 == 0 {
			return false
		}
	}
	return true
}

// EachUnset calls f for each unset bit index in [begin, end), in order.
func (bf Bitfield) EachUnset(begin, end int, f func(i int)) {
	bf.checkRange(begin, end)
	for i := begin; i < end; i++ {
		if bf.b[i/8]>>(7-uint(i%8))&1 == 0 {
			f(i)
		}
	}
}

// EachSet calls f for each set bit index in [begin, end), in order.
func (bf Bitfield) EachSet(begin, end int, f func(i int)) {
	bf.checkRange(begin, end)
	for i := begin; i < end; i++ {
		if bf.b[i/8]>>(7-uint(i%8))&1 == 1 {
			f(i)
		}
	}
}

// Count returns the number of set bits. Spare bits in the final byte are
// ignored, they can be non-zero in vectors received off the wire.
func (bf Bitfield) Count() (n int) {
	for i, x := range bf.b {
		if i == len(bf.b)-1 && bf.n%8 != 0 {
			x &= 0xff << (8 - uint(bf.n%8))
		}
		n += bits.OnesCount8(x)
	}
	return
}

// Copy returns a Bitfield backed by fresh storage.
func (bf Bitfield) Copy() Bitfield {
	b := make([]byte, len(bf.b))
	copy(b, bf.b)
	return Bitfield{b: b, n: bf.n}
}
