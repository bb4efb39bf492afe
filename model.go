package voxtree

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/voxtree/octree"
	"github.com/outofforest/voxtree/pipeline"
	"github.com/outofforest/voxtree/spatial"
	"github.com/outofforest/voxtree/types"
)

// NewModel creates new empty model of the depth. Rotations are executed by the pipeline.
func NewModel(depth uint8, p *pipeline.Pipeline) (*Model, error) {
	if p == nil {
		return nil, errors.New("pipeline is required")
	}

	source, err := octree.New(depth)
	if err != nil {
		return nil, err
	}

	return &Model{
		id:          uuid.New(),
		source:      source,
		working:     source.Copy(),
		orientation: spatial.Identity(),
		previous:    spatial.Identity(),
		pipeline:    p,
	}, nil
}

// Model is the voxel object which might be rotated. Voxels are written to the source tree which is never
// modified by rotations. The working tree stores the source rotated by the current orientation.
type Model struct {
	id       uuid.UUID
	source   *octree.Tree
	working  *octree.Tree
	scratch  *octree.Tree
	pipeline *pipeline.Pipeline

	orientation spatial.Orientation
	previous    spatial.Orientation

	// stale is set when source was modified after the working tree had been rebuilt.
	stale bool
}

// ID returns model ID.
func (m *Model) ID() uuid.UUID {
	return m.id
}

// Depth returns depth of the model trees.
func (m *Model) Depth() uint8 {
	return m.source.Depth()
}

// Stale tells if working tree does not reflect the latest source writes.
func (m *Model) Stale() bool {
	return m.stale
}

// SetVoxel sets material of the voxel.
func (m *Model) SetVoxel(x, y, z int32, v types.Material) error {
	return m.SetVoxelAtLayer(x, y, z, v, 0)
}

// SetVoxelAtLayer sets material of the node at the layer containing the voxel.
func (m *Model) SetVoxelAtLayer(x, y, z int32, v types.Material, layer int) error {
	if err := m.source.SetVoxelAtLayer(x, y, z, v, layer); err != nil {
		return err
	}

	if m.stale || !m.orientation.IsIdentity() {
		m.stale = true
		return nil
	}
	return m.working.SetVoxelAtLayer(x, y, z, v, layer)
}

// GetVoxel returns material of the voxel in the working tree.
func (m *Model) GetVoxel(x, y, z int32) (types.Material, error) {
	return m.working.GetVoxel(x, y, z)
}

// GetVoxelAtLayer returns material of the node at the layer containing the voxel in the working tree.
func (m *Model) GetVoxelAtLayer(x, y, z int32, layer int) (types.Material, error) {
	return m.working.GetVoxelAtLayer(x, y, z, layer)
}

// GetSourceVoxel returns material of the voxel in the source tree.
func (m *Model) GetSourceVoxel(x, y, z int32) (types.Material, error) {
	return m.source.GetVoxel(x, y, z)
}

// Clear removes all the voxels and resets orientation.
func (m *Model) Clear() {
	m.source.Clear()
	m.working.Clear()
	m.orientation = spatial.Identity()
	m.previous = spatial.Identity()
	m.stale = false
}

// Rotate applies rotation on top of the current orientation and rebuilds working tree from the source.
// On error the working tree and orientation are left untouched. Error means the pipeline failed and callers
// must treat it as fatal, the model must not be rotated again.
func (m *Model) Rotate(ctx context.Context, rotation spatial.Orientation) error {
	orientation := m.orientation.Then(rotation)
	if err := m.rebuild(ctx, orientation); err != nil {
		return err
	}

	m.previous = m.orientation
	m.orientation = orientation
	return nil
}

// Refresh rebuilds working tree using the current orientation. Errors are fatal the same way as in Rotate.
func (m *Model) Refresh(ctx context.Context) error {
	if !m.stale {
		return nil
	}
	return m.rebuild(ctx, m.orientation)
}

// Orientation returns current orientation.
func (m *Model) Orientation() spatial.Orientation {
	return m.orientation
}

// PreviousOrientation returns orientation used before the last rotation.
func (m *Model) PreviousOrientation() spatial.Orientation {
	return m.previous
}

// OctreePool returns pool of the working tree.
func (m *Model) OctreePool() []types.Block {
	return m.working.Pool()
}

// OctreePoolBytes returns pool of the working tree as bytes.
func (m *Model) OctreePoolBytes() []byte {
	return m.working.PoolBytes()
}

// OctreePoolSize returns the number of slots in the pool of the working tree.
func (m *Model) OctreePoolSize() uint64 {
	return m.working.PoolSize()
}

// PlaceInto writes non-air voxels of the working tree into the world tree at the offset.
func (m *Model) PlaceInto(world *octree.Tree, x, y, z int32) error {
	return world.MergeOctree(m.working, x, y, z)
}

func (m *Model) rebuild(ctx context.Context, orientation spatial.Orientation) error {
	log := logger.Get(ctx).With(zap.Stringer("modelID", m.id))

	// Working tree is replaced only if job succeeds.
	if m.scratch == nil {
		scratch, err := octree.New(m.source.Depth())
		if err != nil {
			return err
		}
		m.scratch = scratch
	}
	stats, err := m.pipeline.Rotate(ctx, m.source, m.scratch, m.orientation, orientation)
	if err != nil {
		return errors.WithMessagef(err, "rotating model %s failed", m.id)
	}

	log.Debug("Model rebuilt", zap.Stringer("jobID", stats.JobID), zap.Uint64("liveSlots", stats.LiveSlots))

	m.working, m.scratch = m.scratch, m.working
	m.stale = false
	return nil
}
