package alloc

import (
	"math/bits"

	"github.com/outofforest/voxtree/types"
)

const bitsPerWord = 64

// NewFreelist creates freelist with no allocated slots.
func NewFreelist() *Freelist {
	return &Freelist{}
}

// Freelist tracks occupancy of slots. Bit set to 1 means the slot is allocated.
type Freelist struct {
	words []uint64
}

// Alloc allocates the lowest free slot. If there is no free slot, freelist grows.
func (f *Freelist) Alloc() types.SlotIndex {
	for i, w := range f.words {
		if w == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^w)
		f.words[i] |= 1 << bit
		return types.SlotIndex(i*bitsPerWord + bit)
	}

	f.words = append(f.words, 1)
	return types.SlotIndex((len(f.words) - 1) * bitsPerWord)
}

// Free releases the slot. Freeing slot which is not allocated or is out of range is undefined.
func (f *Freelist) Free(slot types.SlotIndex) {
	f.words[slot/bitsPerWord] &^= 1 << (slot % bitsPerWord)
}

// Allocated tells if slot is allocated.
func (f *Freelist) Allocated(slot types.SlotIndex) bool {
	i := uint64(slot) / bitsPerWord
	if i >= uint64(len(f.words)) {
		return false
	}
	return f.words[i]&(1<<(slot%bitsPerWord)) != 0
}

// Count returns the number of allocated slots.
func (f *Freelist) Count() uint64 {
	var count uint64
	for _, w := range f.words {
		count += uint64(bits.OnesCount64(w))
	}
	return count
}

// Len returns the number of slots tracked by the freelist.
func (f *Freelist) Len() uint64 {
	return uint64(len(f.words)) * bitsPerWord
}

// Copy returns a copy of the freelist.
func (f *Freelist) Copy() *Freelist {
	words := make([]uint64, len(f.words))
	copy(words, f.words)
	return &Freelist{words: words}
}

// Reset marks exactly first n slots as allocated.
func (f *Freelist) Reset(n uint64) {
	numOfWords := (n + bitsPerWord - 1) / bitsPerWord
	if uint64(cap(f.words)) >= numOfWords {
		f.words = f.words[:numOfWords]
	} else {
		f.words = make([]uint64, numOfWords)
	}

	full := n / bitsPerWord
	for i := range full {
		f.words[i] = ^uint64(0)
	}
	if full < numOfWords {
		f.words[full] = 1<<(n%bitsPerWord) - 1
	}
}
