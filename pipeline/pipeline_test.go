package pipeline

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/voxtree/octree"
	"github.com/outofforest/voxtree/spatial"
	"github.com/outofforest/voxtree/test"
	"github.com/outofforest/voxtree/types"
)

func newPipeline(t *testing.T) *Pipeline {
	p := New(Config{
		Workers:     4,
		ChunkBlocks: 3,
	})
	t.Cleanup(p.Close)
	return p
}

func newTree(requireT *require.Assertions, depth uint8, voxels []test.Voxel) *octree.Tree {
	tree, err := octree.New(depth)
	requireT.NoError(err)
	requireT.NoError(test.Fill(tree, voxels))
	return tree
}

func aroundZ(requireT *require.Assertions, angle float64) spatial.Orientation {
	o, err := spatial.FromAxisAngle(r3.Vector{Z: 1}, angle)
	requireT.NoError(err)
	return o
}

func requireCompacted(requireT *require.Assertions, tree *octree.Tree, stats Stats) {
	requireT.NoError(tree.Validate())
	requireT.Equal(stats.LiveSlots, tree.PoolSize())
	requireT.Equal(stats.LiveSlots, tree.AllocatedSlots())
	for _, block := range tree.Pool() {
		for _, r := range block {
			requireT.Less(uint64(r.Children), stats.LiveSlots)
		}
	}
}

func TestMorton(t *testing.T) {
	requireT := require.New(t)

	requireT.EqualValues(0, mortonEncode(0, 0, 0))
	requireT.EqualValues(1, mortonEncode(1, 0, 0))
	requireT.EqualValues(2, mortonEncode(0, 1, 0))
	requireT.EqualValues(4, mortonEncode(0, 0, 1))
	requireT.EqualValues(7, mortonEncode(1, 1, 1))
	requireT.EqualValues(8, mortonEncode(2, 0, 0))

	for _, c := range [][3]uint32{{0, 0, 0}, {1, 2, 3}, {1023, 0, 511}, {1<<21 - 1, 1<<21 - 1, 1<<21 - 1}} {
		x, y, z := mortonDecode(mortonEncode(c[0], c[1], c[2]))
		requireT.Equal(c, [3]uint32{x, y, z})
	}

	// Octant of the voxel is stored in the lowest bits.
	for x := range uint32(4) {
		for y := range uint32(4) {
			for z := range uint32(4) {
				m := mortonEncode(x, y, z)
				requireT.Equal(types.OctantOf(x&1, y&1, z&1), types.Octant(m&7))
				requireT.Equal(mortonEncode(x>>1, y>>1, z>>1), m>>3)
			}
		}
	}
}

func TestCapacity(t *testing.T) {
	requireT := require.New(t)

	requireT.EqualValues(1, worstCaseSlots(0))
	requireT.EqualValues(2, worstCaseSlots(1))
	requireT.EqualValues(10, worstCaseSlots(2))
	requireT.EqualValues(74, worstCaseSlots(3))
	requireT.EqualValues(1, stagingRecords(0))
	requireT.EqualValues(9, stagingRecords(1))
	requireT.EqualValues(73, stagingRecords(2))
}

func TestReserveNeverShrinks(t *testing.T) {
	requireT := require.New(t)

	p := newPipeline(t)
	requireT.Empty(p.buffers.Scratch.Items)

	requireT.NoError(p.Reserve(3))
	requireT.Len(p.buffers.Scratch.Items, 74+4*3)
	requireT.Len(p.buffers.Staging.Items, int(stagingRecords(3)))
	requireT.Len(p.buffers.Compacted.Items, 74)

	requireT.NoError(p.Reserve(1))
	requireT.Len(p.buffers.Scratch.Items, 74+4*3)

	requireT.NoError(p.Reserve(4))
	requireT.Len(p.buffers.Scratch.Items, int(worstCaseSlots(4))+4*3)

	requireT.Error(p.Reserve(types.MaxDepth + 1))
}

func TestChunkAllocator(t *testing.T) {
	requireT := require.New(t)

	a := newChunkAllocator(2, 4, 11)
	allocated := map[types.SlotIndex]struct{}{}
	for i := range 4 {
		for worker := range uint64(2) {
			slot, err := a.Allocate(worker)
			requireT.NoError(err)
			requireT.NotEqual(types.RootSlot, slot)
			requireT.NotContains(allocated, slot)
			allocated[slot] = struct{}{}

			if i == 0 {
				requireT.EqualValues(1+4*worker, slot)
			}
		}
	}

	// Chunk of slots 9-12 does not fit the capacity.
	requireT.Len(allocated, 8)
	_, err := a.Allocate(0)
	requireT.Error(err)
}

func TestRotateIdentity(t *testing.T) {
	requireT := require.New(t)
	ctx := test.NewContext(t)

	voxels := test.RandomVoxels(1, 4, 300)
	source := newTree(requireT, 4, voxels)
	requireT.NoError(source.SetVoxelAtLayer(4, 4, 4, 9, 2))
	expected := test.CollectVoxels(source)
	digest := source.Digest()

	dst := newTree(requireT, 4, nil)
	p := newPipeline(t)
	stats, err := p.Rotate(ctx, source, dst, spatial.Identity(), spatial.Identity())
	requireT.NoError(err)

	requireT.Equal(expected, test.CollectVoxels(dst))
	requireCompacted(requireT, dst, stats)
	requireT.Equal(digest, source.Digest())
}

func TestRotateQuarterAroundZ(t *testing.T) {
	requireT := require.New(t)
	ctx := test.NewContext(t)

	voxels := test.RandomVoxels(2, 3, 100)
	source := newTree(requireT, 3, voxels)
	dst := newTree(requireT, 3, nil)

	p := newPipeline(t)
	stats, err := p.Rotate(ctx, source, dst, spatial.Identity(), aroundZ(requireT, math.Pi/2))
	requireT.NoError(err)
	requireCompacted(requireT, dst, stats)

	requireT.Equal(test.Transform(voxels, func(x, y, z int32) (int32, int32, int32) {
		return -y - 1, x, z
	}), test.CollectVoxels(dst))
}

func TestRotateSingleVoxel(t *testing.T) {
	requireT := require.New(t)
	ctx := test.NewContext(t)

	source := newTree(requireT, 2, []test.Voxel{{X: 1, Y: 0, Z: 0, Value: 7}})
	dst := newTree(requireT, 2, nil)

	p := newPipeline(t)
	_, err := p.Rotate(ctx, source, dst, spatial.Identity(), aroundZ(requireT, math.Pi/2))
	requireT.NoError(err)

	requireT.Equal([]test.Voxel{{X: -1, Y: 1, Z: 0, Value: 7}}, test.CollectVoxels(dst))
}

func TestRotateHalfAroundZ(t *testing.T) {
	requireT := require.New(t)
	ctx := test.NewContext(t)

	voxels := test.RandomVoxels(3, 3, 100)
	source := newTree(requireT, 3, voxels)
	viaQuarters := newTree(requireT, 3, nil)
	direct := newTree(requireT, 3, nil)

	quarter := aroundZ(requireT, math.Pi/2)
	p := newPipeline(t)
	_, err := p.Rotate(ctx, source, viaQuarters, spatial.Identity(), quarter.Then(quarter))
	requireT.NoError(err)
	_, err = p.Rotate(ctx, source, direct, spatial.Identity(), aroundZ(requireT, math.Pi))
	requireT.NoError(err)

	expected := test.Transform(voxels, func(x, y, z int32) (int32, int32, int32) {
		return -x - 1, -y - 1, z
	})
	requireT.Equal(expected, test.CollectVoxels(viaQuarters))
	requireT.Equal(expected, test.CollectVoxels(direct))
	requireT.Equal(viaQuarters.Digest(), direct.Digest())
}

func TestRotateClipsToBoundingCube(t *testing.T) {
	requireT := require.New(t)
	ctx := test.NewContext(t)

	source := newTree(requireT, 3, nil)
	requireT.NoError(source.SetVoxelAtLayer(0, 0, 0, 5, 3))
	dst := newTree(requireT, 3, nil)

	p := newPipeline(t)
	stats, err := p.Rotate(ctx, source, dst, spatial.Identity(), aroundZ(requireT, math.Pi/4))
	requireT.NoError(err)
	requireCompacted(requireT, dst, stats)

	// Rotated cube does not cover the corners of the bounding cube.
	v, err := dst.GetVoxel(3, 3, 0)
	requireT.NoError(err)
	requireT.Equal(types.Air, v)
	v, err = dst.GetVoxel(0, 0, 0)
	requireT.NoError(err)
	requireT.EqualValues(5, v)
}

func TestRotateDepthZero(t *testing.T) {
	requireT := require.New(t)
	ctx := test.NewContext(t)

	source := newTree(requireT, 0, []test.Voxel{{Value: 5}})
	dst := newTree(requireT, 0, nil)

	p := newPipeline(t)
	stats, err := p.Rotate(ctx, source, dst, spatial.Identity(), aroundZ(requireT, 1))
	requireT.NoError(err)
	requireT.EqualValues(1, stats.LiveSlots)

	v, err := dst.GetVoxel(0, 0, 0)
	requireT.NoError(err)
	requireT.EqualValues(5, v)
}

func TestRotateEmptyTree(t *testing.T) {
	requireT := require.New(t)
	ctx := test.NewContext(t)

	source := newTree(requireT, 3, nil)
	dst := newTree(requireT, 3, test.RandomVoxels(4, 3, 20))

	p := newPipeline(t)
	stats, err := p.Rotate(ctx, source, dst, spatial.Identity(), aroundZ(requireT, 1))
	requireT.NoError(err)
	requireT.EqualValues(1, stats.LiveSlots)
	requireT.Empty(test.CollectVoxels(dst))
	requireT.Equal(types.Record{}, dst.Record(types.RootNode))
}

func TestUploadSkipped(t *testing.T) {
	requireT := require.New(t)
	ctx := test.NewContext(t)

	source := newTree(requireT, 3, test.RandomVoxels(5, 3, 30))
	dst := newTree(requireT, 3, nil)
	p := newPipeline(t)

	stats, err := p.Rotate(ctx, source, dst, spatial.Identity(), aroundZ(requireT, 1))
	requireT.NoError(err)
	requireT.False(stats.UploadSkipped)

	stats2, err := p.Rotate(ctx, source, dst, spatial.Identity(), aroundZ(requireT, 2))
	requireT.NoError(err)
	requireT.True(stats2.UploadSkipped)
	requireT.NotEqual(stats.JobID, stats2.JobID)

	requireT.NoError(source.SetVoxel(0, 0, 0, 100))
	stats, err = p.Rotate(ctx, source, dst, spatial.Identity(), spatial.Identity())
	requireT.NoError(err)
	requireT.False(stats.UploadSkipped)

	v, err := dst.GetVoxel(0, 0, 0)
	requireT.NoError(err)
	requireT.EqualValues(100, v)
}

func TestUploadNotSkippedOnFingerprintCollision(t *testing.T) {
	requireT := require.New(t)
	ctx := test.NewContext(t)

	voxels := test.RandomVoxels(7, 3, 30)
	source := newTree(requireT, 3, voxels)
	dst := newTree(requireT, 3, nil)
	p := newPipeline(t)

	_, err := p.Rotate(ctx, source, dst, spatial.Identity(), spatial.Identity())
	requireT.NoError(err)

	// Same number of slots, different content.
	requireT.NoError(source.SetVoxel(voxels[0].X, voxels[0].Y, voxels[0].Z, 200))
	requireT.Equal(p.buffers.UploadSlots, source.PoolSize())
	p.buffers.UploadFingerprint = source.Fingerprint()

	stats, err := p.Rotate(ctx, source, dst, spatial.Identity(), spatial.Identity())
	requireT.NoError(err)
	requireT.False(stats.UploadSkipped)
	requireT.Equal(test.CollectVoxels(source), test.CollectVoxels(dst))
}

func TestBufferGrow(t *testing.T) {
	requireT := require.New(t)

	b := newBuffer[slotPair]()
	t.Cleanup(b.Release)

	grown, err := b.Grow(10, false)
	requireT.NoError(err)
	requireT.True(grown)
	requireT.Len(b.Items, 10)
	requireT.Equal(slotPair{}, b.Items[9])

	b.Items[3] = slotPair{Old: 5, New: 6}
	grown, err = b.Grow(4, false)
	requireT.NoError(err)
	requireT.False(grown)
	requireT.Len(b.Items, 10)
	requireT.Equal(slotPair{Old: 5, New: 6}, b.Items[3])
}

func TestRotateDepthMismatch(t *testing.T) {
	requireT := require.New(t)
	ctx := test.NewContext(t)

	source := newTree(requireT, 3, test.RandomVoxels(6, 3, 10))
	dst := newTree(requireT, 2, []test.Voxel{{X: 1, Y: 1, Z: 1, Value: 3}})
	digest := dst.Digest()

	p := newPipeline(t)
	_, err := p.Rotate(ctx, source, dst, spatial.Identity(), spatial.Identity())
	requireT.Error(err)
	requireT.Equal(digest, dst.Digest())
}

func TestRotateClosed(t *testing.T) {
	requireT := require.New(t)
	ctx := test.NewContext(t)

	source := newTree(requireT, 2, nil)
	dst := newTree(requireT, 2, nil)

	p := New(Config{})
	p.Close()
	_, err := p.Rotate(ctx, source, dst, spatial.Identity(), spatial.Identity())
	requireT.Error(err)
	requireT.Error(p.Reserve(2))
}

func TestDefaultConfig(t *testing.T) {
	requireT := require.New(t)

	p := New(Config{})
	defer p.Close()

	requireT.NotZero(p.config.Workers)
	requireT.EqualValues(DefaultChunkBlocks, p.config.ChunkBlocks)
}
