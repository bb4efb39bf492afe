package octree

import (
	"github.com/pkg/errors"

	"github.com/outofforest/voxtree/types"
)

type region struct {
	Node    types.NodeIndex
	Layer   uint8
	X, Y, Z uint32
	Value   types.Material
}

// MergeOctree writes content of other tree into this one. Voxel (x, y, z) of other tree lands at
// (x+xOffset, y+yOffset, z+zOffset). Air in other tree is transparent and leaves existing content untouched.
// Every non-air voxel must fit into this tree, otherwise nothing is written and error is returned.
func (t *Tree) MergeOctree(other *Tree, xOffset, yOffset, zOffset int32) error {
	otherHalf := int64(other.Size()) / 2
	half := int64(t.Size()) / 2
	size := int64(t.Size())

	shift := func(v uint32, offset int32) int64 {
		return int64(v) - otherHalf + int64(offset) + half
	}

	regions := []region{}
	stack := []region{{Node: types.RootNode, Layer: other.depth}}
	for len(stack) > 0 {
		r := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		rec := other.Record(r.Node)
		if !rec.IsUniform() {
			childSize := uint32(1) << (r.Layer - 1)
			for o := range types.Octant(types.NumOfChildren) {
				stack = append(stack, region{
					Node:  types.Node(rec.Children, o),
					Layer: r.Layer - 1,
					X:     r.X + uint32(o&1)*childSize,
					Y:     r.Y + uint32((o>>1)&1)*childSize,
					Z:     r.Z + uint32((o>>2)&1)*childSize,
				})
			}
			continue
		}
		if rec.Value == types.Air {
			continue
		}

		extent := int64(1) << r.Layer
		minX, minY, minZ := shift(r.X, xOffset), shift(r.Y, yOffset), shift(r.Z, zOffset)
		if minX < 0 || minY < 0 || minZ < 0 || minX+extent > size || minY+extent > size || minZ+extent > size {
			return errors.Errorf("region (%d, %d, %d) of size %d does not fit into the tree",
				minX-half, minY-half, minZ-half, extent)
		}

		r.Value = rec.Value
		r.X, r.Y, r.Z = uint32(minX), uint32(minY), uint32(minZ)
		regions = append(regions, r)
	}

	for _, r := range regions {
		extent := uint32(1) << r.Layer
		if r.Layer <= t.depth && r.X%extent == 0 && r.Y%extent == 0 && r.Z%extent == 0 {
			t.set(r.X, r.Y, r.Z, r.Value, r.Layer, SplitInherit)
			continue
		}

		for x := r.X; x < r.X+extent; x++ {
			for y := r.Y; y < r.Y+extent; y++ {
				for z := r.Z; z < r.Z+extent; z++ {
					t.set(x, y, z, r.Value, 0, SplitInherit)
				}
			}
		}
	}

	return nil
}

// CompactSubtree collapses every node below n having all children uniform with the same value, bottom-up. Unlike
// merge checks done on writes, it examines the whole subtree. Ancestors of n are not updated.
func (t *Tree) CompactSubtree(n types.NodeIndex) {
	type item struct {
		Node    types.NodeIndex
		Visited bool
	}

	stack := []item{{Node: n}}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		r := t.Record(i.Node)
		if r.IsUniform() {
			continue
		}
		if i.Visited {
			t.simpleUpdateLOD(i.Node)
			t.simpleMerge(i.Node)
			continue
		}

		stack = append(stack, item{Node: i.Node, Visited: true})
		for o := range types.Octant(types.NumOfChildren) {
			stack = append(stack, item{Node: types.Node(r.Children, o)})
		}
	}
}
