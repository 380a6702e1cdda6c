package ticket

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/prysmaticlabs/go-bitfield"
)

// Mask is the completion bit-vector of a ticket: bit k is set exactly when
// node k of the process graph has completed. Masks have value semantics;
// every operation returns a new Mask and never mutates the receiver, so a
// published Mask is safe to share across goroutines.
//
// Masks are arbitrary-width. The width is carried in the underlying bitlist
// encoding, which is also the persisted BYTEA form.
type Mask struct {
	bits bitfield.Bitlist
}

// NewMask returns an empty Mask wide enough for n nodes.
func NewMask(n int) Mask {
	return Mask{bits: bitfield.NewBitlist(uint64(n))}
}

// MaskFromBytes restores a Mask from its persisted form.
// An empty slice restores the zero-width Mask.
func MaskFromBytes(raw []byte) Mask {
	if len(raw) == 0 {
		return Mask{}
	}
	var bits = make(bitfield.Bitlist, len(raw))
	copy(bits, raw)
	return Mask{bits: bits}
}

// MaskFromUint64 builds a Mask of width n from a legacy integer bitmask.
func MaskFromUint64(v uint64, n int) Mask {
	var m = NewMask(n)
	for k := 0; k < n && k < 64; k++ {
		if v&(1<<uint(k)) != 0 {
			m.bits.SetBitAt(uint64(k), true)
		}
	}
	return m
}

// Widen returns a Mask of width at least n, preserving all set bits.
// It returns the receiver unchanged when already wide enough.
func (m Mask) Widen(n int) Mask {
	if int(m.bits.Len()) >= n {
		return m
	}
	var next = bitfield.NewBitlist(uint64(n))
	for k := uint64(0); k != m.bits.Len(); k++ {
		if m.bits.BitAt(k) {
			next.SetBitAt(k, true)
		}
	}
	return Mask{bits: next}
}

// Set returns a copy of the Mask with bit k set, widening if needed.
func (m Mask) Set(k int) Mask {
	var next = m.Widen(k + 1)
	var bits = make(bitfield.Bitlist, len(next.bits))
	copy(bits, next.bits)
	bits.SetBitAt(uint64(k), true)
	return Mask{bits: bits}
}

// IsSet returns whether bit k is set. Bits beyond the width are unset.
func (m Mask) IsSet(k int) bool {
	if k < 0 || uint64(k) >= m.bits.Len() {
		return false
	}
	return m.bits.BitAt(uint64(k))
}

// AllRequired returns true iff every index of `required` has its bit set.
// An empty requirement set is vacuously satisfied.
func (m Mask) AllRequired(required []int) bool {
	for _, k := range required {
		if !m.IsSet(k) {
			return false
		}
	}
	return true
}

// AllBelow returns true iff bits 0..n-1 are all set. It decides whether a
// Complete node may fire: completion requires every prior node done, not
// just its declared dependencies.
func (m Mask) AllBelow(n int) bool {
	for k := 0; k < n; k++ {
		if !m.IsSet(k) {
			return false
		}
	}
	return true
}

// Width is the number of node bits the Mask can hold.
func (m Mask) Width() int { return int(m.bits.Len()) }

// Count is the number of set bits.
func (m Mask) Count() int {
	var n int
	for k := uint64(0); k != m.bits.Len(); k++ {
		if m.bits.BitAt(k) {
			n++
		}
	}
	return n
}

// Bytes is the persisted BYTEA form of the Mask. Empty masks persist as nil.
func (m Mask) Bytes() []byte {
	if len(m.bits) == 0 {
		return nil
	}
	var raw = make([]byte, len(m.bits))
	copy(raw, m.bits)
	return raw
}

// Uint64 returns the low 64 bits of the Mask as a legacy integer bitmask.
func (m Mask) Uint64() uint64 {
	var v uint64
	for k := uint64(0); k != m.bits.Len() && k != 64; k++ {
		if m.bits.BitAt(k) {
			v |= 1 << k
		}
	}
	return v
}

// Indices returns the sorted set node indices.
func (m Mask) Indices() []int {
	var out = make([]int, 0, m.Count())
	for k := 0; k != m.Width(); k++ {
		if m.IsSet(k) {
			out = append(out, k)
		}
	}
	return out
}

// MarshalJSON renders the Mask as the sorted array of set node indices.
func (m Mask) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Indices())
}

// UnmarshalJSON restores a Mask from an array of set node indices.
func (m *Mask) UnmarshalJSON(data []byte) error {
	var indices []int
	if err := json.Unmarshal(data, &indices); err != nil {
		return err
	}
	if len(indices) == 0 {
		*m = Mask{}
		return nil
	}
	sort.Ints(indices)
	if indices[0] < 0 {
		return fmt.Errorf("negative node index %d", indices[0])
	}
	var next = NewMask(indices[len(indices)-1] + 1)
	for _, k := range indices {
		next.bits.SetBitAt(uint64(k), true)
	}
	*m = next
	return nil
}
