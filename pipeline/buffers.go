package pipeline

import (
	"github.com/outofforest/voxtree/alloc"
	"github.com/outofforest/voxtree/types"
)

// slotPair maps slot of the sparse scratch pool to the slot of the compacted one.
type slotPair struct {
	Old types.SlotIndex
	New types.SlotIndex
}

// worstCaseNodes returns the number of non-root nodes in fully split tree of the depth.
func worstCaseNodes(depth uint8) uint64 {
	return (uint64(1)<<(3*uint64(depth)) - 1) * types.NumOfChildren / 7
}

// worstCaseSlots returns the number of slots used by fully split tree of the depth, including the root slot.
func worstCaseSlots(depth uint8) uint64 {
	return worstCaseNodes(depth)/types.NumOfChildren + 1
}

// stagingRecords returns the number of records required to store all the layers of fully split tree densely.
func stagingRecords(depth uint8) uint64 {
	return (uint64(1)<<(3*(uint64(depth)+1)) - 1) / 7
}

func newBuffer[T comparable]() buffer[T] {
	return buffer[T]{
		dealloc: func() {},
	}
}

type buffer[T comparable] struct {
	Items   []T
	dealloc func()
}

// Grow makes sure buffer may store count items. Content is not preserved.
func (b *buffer[T]) Grow(count uint64, useHugePages bool) (bool, error) {
	if uint64(len(b.Items)) >= count {
		return false, nil
	}

	items, dealloc, err := alloc.Allocate[T](count, useHugePages)
	if err != nil {
		return false, err
	}
	b.dealloc()
	b.Items = items
	b.dealloc = dealloc
	return true, nil
}

// Release unmaps the buffer.
func (b *buffer[T]) Release() {
	b.dealloc()
	b.Items = nil
	b.dealloc = func() {}
}

func newBuffers() *buffers {
	return &buffers{
		Upload:    newBuffer[types.Block](),
		Staging:   newBuffer[types.Record](),
		Scratch:   newBuffer[types.Block](),
		Compacted: newBuffer[types.Block](),
		Pairs:     [2]buffer[slotPair]{newBuffer[slotPair](), newBuffer[slotPair]()},
	}
}

// buffers are the scratch resources shared by all the jobs.
type buffers struct {
	Upload    buffer[types.Block]
	Staging   buffer[types.Record]
	Scratch   buffer[types.Block]
	Compacted buffer[types.Block]
	Pairs     [2]buffer[slotPair]

	UploadSlots       uint64
	UploadFingerprint uint64
	UploadValid       bool
}

func (b *buffers) Release() {
	b.Upload.Release()
	b.Staging.Release()
	b.Scratch.Release()
	b.Compacted.Release()
	b.Pairs[0].Release()
	b.Pairs[1].Release()
	b.UploadValid = false
}
