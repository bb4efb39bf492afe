package octree

import (
	"github.com/pkg/errors"

	"github.com/outofforest/mass"
	"github.com/outofforest/voxtree/alloc"
	"github.com/outofforest/voxtree/types"
)

// SplitMode defines how children of split node are initialized.
type SplitMode uint8

const (
	// SplitInherit seeds children with the value of the split node.
	SplitInherit SplitMode = iota

	// SplitAirfill seeds children with air. Used by breadth-first reconstruction so siblings not visited yet
	// are never filled with stale material.
	SplitAirfill
)

// New creates tree of the given depth containing single uniform air node.
func New(depth uint8) (*Tree, error) {
	if depth > types.MaxDepth {
		return nil, errors.Errorf("depth %d exceeds maximum %d", depth, types.MaxDepth)
	}

	t := &Tree{
		depth:      depth,
		freelist:   alloc.NewFreelist(),
		cursors:    map[uint64]*Cursor{},
		massCursor: mass.New[Cursor](8),
	}
	t.blocks = make([]types.Block, 1)
	if slot := t.freelist.Alloc(); slot != types.RootSlot {
		panic("root slot is not the first one")
	}
	return t, nil
}

// Tree is the sparse voxel octree stored in the pool of blocks.
// Operations are not safe for concurrent use.
type Tree struct {
	depth    uint8
	blocks   []types.Block
	freelist *alloc.Freelist

	path         []types.NodeIndex
	cursors      map[uint64]*Cursor
	nextCursorID uint64
	mutator      *Cursor
	massCursor   *mass.Mass[Cursor]
}

// Depth returns depth of the tree.
func (t *Tree) Depth() uint8 {
	return t.depth
}

// Size returns the number of voxels along each axis.
func (t *Tree) Size() uint32 {
	return 1 << t.depth
}

// Record returns node record.
func (t *Tree) Record(n types.NodeIndex) types.Record {
	return *t.record(n)
}

// SetVoxel sets material of single voxel.
func (t *Tree) SetVoxel(x, y, z int32, v types.Material) error {
	return t.SetVoxelAtLayer(x, y, z, v, 0)
}

// SetVoxelAtLayer sets material of the whole node at the layer containing the voxel.
func (t *Tree) SetVoxelAtLayer(x, y, z int32, v types.Material, layer int) error {
	ux, uy, uz, err := t.coordinates(x, y, z, layer)
	if err != nil {
		return err
	}
	t.set(ux, uy, uz, v, uint8(layer), SplitInherit)
	return nil
}

// SetVoxelAtLayerMode is like SetVoxelAtLayer but uses the specified split mode.
func (t *Tree) SetVoxelAtLayerMode(x, y, z int32, v types.Material, layer int, mode SplitMode) error {
	ux, uy, uz, err := t.coordinates(x, y, z, layer)
	if err != nil {
		return err
	}
	t.set(ux, uy, uz, v, uint8(layer), mode)
	return nil
}

// GetVoxel returns material of the voxel.
func (t *Tree) GetVoxel(x, y, z int32) (types.Material, error) {
	return t.GetVoxelAtLayer(x, y, z, 0)
}

// GetVoxelAtLayer returns material of the node at the layer containing the voxel. If node at that layer is split
// its LOD value is returned.
func (t *Tree) GetVoxelAtLayer(x, y, z int32, layer int) (types.Material, error) {
	ux, uy, uz, err := t.coordinates(x, y, z, layer)
	if err != nil {
		return types.Air, err
	}
	return Sample(t.blocks, t.depth, ux, uy, uz, uint8(layer)), nil
}

// Split splits uniform node into 8 children.
func (t *Tree) Split(n types.NodeIndex, mode SplitMode) error {
	r := t.record(n)
	if !r.IsUniform() {
		return errors.Errorf("node %d is already split", n)
	}

	slot := t.allocate()
	value := r.Value
	if mode == SplitAirfill {
		value = types.Air
	}

	// t.record must be taken again because allocation might reallocate blocks.
	r = t.record(n)
	r.Children = slot
	block := &t.blocks[slot]
	for i := range block {
		block[i] = types.Record{Value: value}
	}
	return nil
}

// Clear resets tree to single uniform air node.
func (t *Tree) Clear() {
	t.freeSubtree(types.RootNode)
	t.blocks[types.RootSlot] = types.Block{}
	t.invalidateCursors()
}

func (t *Tree) set(ux, uy, uz uint32, v types.Material, layer uint8, mode SplitMode) {
	path := t.path[:0]
	defer func() {
		t.path = path[:0]
	}()

	var split bool
	n := types.RootNode
	l := t.depth
	for {
		r := t.record(n)
		if r.IsUniform() && r.Value == v {
			if split {
				t.propagate(path)
			}
			return
		}
		if l == layer {
			break
		}
		if r.IsUniform() {
			// Error is impossible because node is uniform.
			_ = t.Split(n, mode)
			split = true
		}

		path = append(path, n)
		l--
		n = types.Node(t.record(n).Children, octant(ux, uy, uz, l))
	}

	t.freeSubtree(n)
	*t.record(n) = types.Record{Value: v}
	t.propagate(path)
}

// propagate runs LOD update and merge check on ancestors, starting from the deepest one. It returns the index of
// the highest ancestor collapsed to uniform node or len(path) if nothing was collapsed.
func (t *Tree) propagate(path []types.NodeIndex) int {
	top := len(path)
	for i := len(path) - 1; i >= 0; i-- {
		lodChanged := t.simpleUpdateLOD(path[i])
		// Merge goes last because it might deallocate the block updated above.
		merged := t.simpleMerge(path[i])
		if merged {
			top = i
		}
		if !lodChanged && !merged {
			break
		}
	}
	return top
}

// simpleMerge collapses node to uniform one if all its children are uniform and have the same value.
// Grandchildren are not examined, CompactSubtree does that.
func (t *Tree) simpleMerge(n types.NodeIndex) bool {
	r := t.record(n)
	if r.IsUniform() {
		return false
	}

	block := &t.blocks[r.Children]
	v := block[0].Value
	for _, c := range block {
		if !c.IsUniform() || c.Value != v {
			return false
		}
	}

	t.freeSlot(r.Children)
	*r = types.Record{Value: v}
	return true
}

// simpleUpdateLOD recomputes the value of split node used for coarse display.
func (t *Tree) simpleUpdateLOD(n types.NodeIndex) bool {
	r := t.record(n)
	if r.IsUniform() {
		return false
	}

	v := t.blocks[r.Children][0].Value
	if r.Value == v {
		return false
	}
	r.Value = v
	return true
}

func (t *Tree) record(n types.NodeIndex) *types.Record {
	return &t.blocks[n.Slot()][n.Octant()]
}

func (t *Tree) allocate() types.SlotIndex {
	slot := t.freelist.Alloc()
	if uint64(slot) >= uint64(len(t.blocks)) {
		t.blocks = append(t.blocks, make([]types.Block, uint64(slot)+1-uint64(len(t.blocks)))...)
	}
	return slot
}

func (t *Tree) freeSubtree(n types.NodeIndex) {
	r := t.record(n)
	if r.IsUniform() {
		return
	}

	stack := []types.SlotIndex{r.Children}
	for len(stack) > 0 {
		slot := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, c := range t.blocks[slot] {
			if !c.IsUniform() {
				stack = append(stack, c.Children)
			}
		}
		t.freeSlot(slot)
	}
	r.Children = types.NoChildren
}

func (t *Tree) freeSlot(slot types.SlotIndex) {
	t.blocks[slot] = types.Block{}
	t.freelist.Free(slot)

	for _, c := range t.cursors {
		if c != t.mutator {
			c.notifyFreed(slot)
		}
	}
}

func (t *Tree) invalidateCursors() {
	for _, c := range t.cursors {
		c.invalidate()
	}
}

func (t *Tree) coordinates(x, y, z int32, layer int) (uint32, uint32, uint32, error) {
	if layer < 0 || layer > int(t.depth) {
		return 0, 0, 0, errors.Errorf("layer %d out of range [0, %d]", layer, t.depth)
	}

	half := int64(t.Size()) / 2
	ux, uy, uz := int64(x)+half, int64(y)+half, int64(z)+half
	size := int64(t.Size())
	if ux < 0 || ux >= size || uy < 0 || uy >= size || uz < 0 || uz >= size {
		return 0, 0, 0, errors.Errorf("coordinates (%d, %d, %d) out of range [%d, %d)", x, y, z, -half,
			size-half)
	}
	return uint32(ux), uint32(uy), uint32(uz), nil
}

// octant returns octant of the child at layer l containing the voxel.
func octant(ux, uy, uz uint32, l uint8) types.Octant {
	return types.OctantOf((ux>>l)&1, (uy>>l)&1, (uz>>l)&1)
}

// Sample returns value of the node at the layer containing the voxel, short-circuiting on uniform nodes.
// Coordinates are not centered, they start at 0.
func Sample(blocks []types.Block, depth uint8, ux, uy, uz uint32, layer uint8) types.Material {
	r := blocks[types.RootSlot][0]
	for l := depth; !r.IsUniform() && l > layer; {
		l--
		r = blocks[r.Children][octant(ux, uy, uz, l)]
	}
	return r.Value
}
