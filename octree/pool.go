package octree

import (
	"encoding/binary"
	"unsafe"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"github.com/outofforest/mass"
	"github.com/outofforest/photon"
	"github.com/outofforest/voxtree/types"
)

// Pool returns blocks of the tree. Slot 0 goes first. Returned slice must not be modified.
func (t *Tree) Pool() []types.Block {
	return t.blocks
}

// PoolSize returns the number of slots in the pool.
func (t *Tree) PoolSize() uint64 {
	return uint64(len(t.blocks))
}

// PoolBytes returns the pool as bytes. Each record takes 8 bytes: index of the children block followed by
// material.
func (t *Tree) PoolBytes() []byte {
	return photon.SliceFromPointer[byte](unsafe.Pointer(&t.blocks[0]), len(t.blocks)*types.BlockLength)
}

// AllocatedSlots returns the number of slots currently allocated.
func (t *Tree) AllocatedSlots() uint64 {
	return t.freelist.Count()
}

// Fingerprint returns hash of the pool content.
func (t *Tree) Fingerprint() uint64 {
	return xxhash.Sum64(t.PoolBytes())
}

// Replace replaces the content of the tree. First live blocks are taken, they must form the valid tree of the same
// depth with all the slots below live used.
func (t *Tree) Replace(blocks []types.Block, live uint64) error {
	if live == 0 || live > uint64(len(blocks)) {
		return errors.Errorf("invalid number of live slots %d", live)
	}

	if uint64(cap(t.blocks)) >= live {
		t.blocks = t.blocks[:live]
	} else {
		t.blocks = make([]types.Block, live)
	}
	copy(t.blocks, blocks[:live])
	t.freelist.Reset(live)
	t.invalidateCursors()
	return nil
}

// Copy returns deep copy of the tree. Cursors are not copied.
func (t *Tree) Copy() *Tree {
	blocks := make([]types.Block, len(t.blocks))
	copy(blocks, t.blocks)
	return &Tree{
		depth:      t.depth,
		blocks:     blocks,
		freelist:   t.freelist.Copy(),
		cursors:    map[uint64]*Cursor{},
		massCursor: mass.New[Cursor](8),
	}
}

// Digest returns hash of the tree structure. It does not depend on how nodes are placed in the pool, so trees
// built differently but having the same shape and values have equal digests.
func (t *Tree) Digest() [32]byte {
	buf := make([]byte, 0, len(t.blocks)*types.NumOfChildren*5)
	stack := []types.NodeIndex{types.RootNode}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		r := t.Record(n)
		if r.IsUniform() {
			buf = append(buf, 0)
		} else {
			buf = append(buf, 1)
			for o := types.NumOfChildren - 1; o >= 0; o-- {
				stack = append(stack, types.Node(r.Children, types.Octant(o)))
			}
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(r.Value))
	}
	return blake3.Sum256(buf)
}

// Validate verifies that tree is structurally valid.
func (t *Tree) Validate() error {
	type item struct {
		Node  types.NodeIndex
		Layer uint8
	}

	if !t.freelist.Allocated(types.RootSlot) {
		return errors.New("root slot is not allocated")
	}
	for o := 1; o < types.NumOfChildren; o++ {
		if t.blocks[types.RootSlot][o] != (types.Record{}) {
			return errors.Errorf("unused record %d of root slot is not empty", o)
		}
	}

	visited := map[types.SlotIndex]struct{}{types.RootSlot: {}}
	stack := []item{{Node: types.RootNode, Layer: t.depth}}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		r := t.Record(i.Node)
		if r.IsUniform() {
			continue
		}
		if i.Layer == 0 {
			return errors.Errorf("node %d at layer 0 is split", i.Node)
		}
		if uint64(r.Children) >= uint64(len(t.blocks)) {
			return errors.Errorf("node %d references slot %d outside the pool", i.Node, r.Children)
		}
		if !t.freelist.Allocated(r.Children) {
			return errors.Errorf("node %d references free slot %d", i.Node, r.Children)
		}
		if _, exists := visited[r.Children]; exists {
			return errors.Errorf("slot %d is referenced more than once", r.Children)
		}
		visited[r.Children] = struct{}{}

		for o := range types.Octant(types.NumOfChildren) {
			stack = append(stack, item{Node: types.Node(r.Children, o), Layer: i.Layer - 1})
		}
	}

	if allocated := t.freelist.Count(); allocated != uint64(len(visited)) {
		return errors.Errorf("%d slots are allocated but %d are reachable", allocated, len(visited))
	}
	return nil
}
