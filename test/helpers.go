package test

import (
	"cmp"
	"context"
	"math/rand"
	"slices"
	"testing"

	"github.com/samber/lo"

	"github.com/outofforest/logger"
	"github.com/outofforest/voxtree/octree"
	"github.com/outofforest/voxtree/types"
)

// Voxel is the voxel position together with its material.
type Voxel struct {
	X, Y, Z int32
	Value   types.Material
}

// NewContext returns context with logger, cancelled when test finishes.
func NewContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig)))
	t.Cleanup(cancel)
	return ctx
}

// CollectVoxels collects non-air voxels of the tree, ordered by x, y and z.
func CollectVoxels(tree *octree.Tree) []Voxel {
	half := int32(tree.Size() / 2)

	voxels := []Voxel{}
	for x := -half; x < int32(tree.Size())-half; x++ {
		for y := -half; y < int32(tree.Size())-half; y++ {
			for z := -half; z < int32(tree.Size())-half; z++ {
				if v := lo.Must(tree.GetVoxel(x, y, z)); v != types.Air {
					voxels = append(voxels, Voxel{X: x, Y: y, Z: z, Value: v})
				}
			}
		}
	}
	return voxels
}

// RandomVoxels generates voxels placed randomly inside the tree of the depth. Generated positions are unique.
func RandomVoxels(seed int64, depth uint8, count int) []Voxel {
	rnd := rand.New(rand.NewSource(seed))
	size := int32(1) << depth
	half := size / 2

	seen := map[[3]int32]struct{}{}
	voxels := make([]Voxel, 0, count)
	for len(voxels) < count {
		pos := [3]int32{rnd.Int31n(size) - half, rnd.Int31n(size) - half, rnd.Int31n(size) - half}
		if _, exists := seen[pos]; exists {
			continue
		}
		seen[pos] = struct{}{}
		voxels = append(voxels, Voxel{
			X:     pos[0],
			Y:     pos[1],
			Z:     pos[2],
			Value: types.Material(rnd.Int31n(4) + 1),
		})
	}
	return voxels
}

// Fill stores voxels in the tree.
func Fill(tree *octree.Tree, voxels []Voxel) error {
	for _, v := range voxels {
		if err := tree.SetVoxel(v.X, v.Y, v.Z, v.Value); err != nil {
			return err
		}
	}
	return nil
}

// Transform moves voxels using the function and orders them the same way CollectVoxels does.
func Transform(voxels []Voxel, fn func(x, y, z int32) (int32, int32, int32)) []Voxel {
	result := make([]Voxel, 0, len(voxels))
	for _, v := range voxels {
		x, y, z := fn(v.X, v.Y, v.Z)
		result = append(result, Voxel{X: x, Y: y, Z: z, Value: v.Value})
	}
	Sort(result)
	return result
}

// Sort orders voxels by x, y and z.
func Sort(voxels []Voxel) {
	slices.SortFunc(voxels, func(a, b Voxel) int {
		if c := cmp.Compare(a.X, b.X); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Y, b.Y); c != 0 {
			return c
		}
		return cmp.Compare(a.Z, b.Z)
	})
}
