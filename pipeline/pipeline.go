package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/photon"
	"github.com/outofforest/voxtree/octree"
	"github.com/outofforest/voxtree/spatial"
	"github.com/outofforest/voxtree/types"
)

const (
	// DefaultChunkBlocks is the default number of slots reserved by worker at once.
	DefaultChunkBlocks = 16

	// batchSize is the number of work items claimed by worker at once.
	batchSize = 256
)

// Config stores pipeline configuration.
type Config struct {
	Workers      uint64
	ChunkBlocks  uint64
	UseHugePages bool
}

// Stats summarizes executed rotation job.
type Stats struct {
	JobID         uuid.UUID
	LiveSlots     uint64
	UploadSkipped bool
}

// New creates new pipeline.
func New(config Config) *Pipeline {
	if config.Workers == 0 {
		config.Workers = uint64(runtime.NumCPU())
	}
	if config.ChunkBlocks == 0 {
		config.ChunkBlocks = DefaultChunkBlocks
	}

	return &Pipeline{
		config:  config,
		buffers: newBuffers(),
	}
}

// Pipeline rebuilds rotated trees. Its scratch buffers are shared by all the models using it, so only one job
// is executed at a time.
type Pipeline struct {
	config Config

	mu      sync.Mutex
	buffers *buffers
	closed  bool
}

// Reserve grows scratch buffers so trees of the depth might be rotated.
func (p *Pipeline) Reserve(depth uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.New("pipeline is closed")
	}
	return p.reserve(depth)
}

// Rotate resamples source tree rotated by `to` and stores the compacted result in dst.
// Source tree is not modified.
// Dst is modified only if job succeeds. Returned error means the job failed and must be treated as fatal.
func (p *Pipeline) Rotate(
	ctx context.Context,
	source, dst *octree.Tree,
	from, to spatial.Orientation,
) (stats Stats, err error) {
	if source.Depth() != dst.Depth() {
		return Stats{}, errors.Errorf("depth mismatch, source: %d, destination: %d", source.Depth(), dst.Depth())
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Stats{}, errors.New("pipeline is closed")
	}

	start := time.Now()
	stats.JobID = uuid.New()
	log := logger.Get(ctx).With(zap.Stringer("jobID", stats.JobID), zap.Uint8("depth", source.Depth()))

	fromAngles := from.YawPitchRoll()
	toAngles := to.YawPitchRoll()
	log.Debug("Rotation started",
		zap.Float64s("from", []float64{fromAngles.Yaw, fromAngles.Pitch, fromAngles.Roll}),
		zap.Float64s("to", []float64{toAngles.Yaw, toAngles.Pitch, toAngles.Roll}))

	defer func() {
		instrumentRotation(start, err, stats.LiveSlots)
		if err != nil {
			log.Error("Rotation failed", zap.Error(err))
			return
		}
		log.Debug("Rotation finished",
			zap.Uint64("liveSlots", stats.LiveSlots),
			zap.Bool("uploadSkipped", stats.UploadSkipped),
			zap.Duration("duration", time.Since(start)))
	}()

	if err := p.reserve(source.Depth()); err != nil {
		return stats, err
	}

	stats.UploadSkipped, err = p.upload(source)
	if err != nil {
		return stats, err
	}

	job := newJob(source.Depth(), toAngles.Matrix())
	if err := p.runLeafStage(ctx, job); err != nil {
		return stats, errors.WithMessage(err, "leaf stage failed")
	}
	if err := p.runReconstructionStage(ctx, job); err != nil {
		return stats, errors.WithMessage(err, "reconstruction stage failed")
	}

	stats.LiveSlots, err = p.runDefragmentationStage(ctx)
	if err != nil {
		return stats, errors.WithMessage(err, "defragmentation stage failed")
	}

	if err := dst.Replace(p.buffers.Compacted.Items, stats.LiveSlots); err != nil {
		return stats, err
	}
	return stats, nil
}

// Close releases scratch buffers.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.buffers.Release()
}

func (p *Pipeline) reserve(depth uint8) error {
	if depth > types.MaxDepth {
		return errors.Errorf("depth %d exceeds maximum %d", depth, types.MaxDepth)
	}

	slots := worstCaseSlots(depth)
	if _, err := p.buffers.Staging.Grow(stagingRecords(depth), p.config.UseHugePages); err != nil {
		return err
	}
	grown, err := p.buffers.Scratch.Grow(slots+p.config.Workers*p.config.ChunkBlocks, p.config.UseHugePages)
	if err != nil {
		return err
	}
	if grown {
		instrumentScratchCapacity(uint64(len(p.buffers.Scratch.Items)))
	}
	if _, err := p.buffers.Compacted.Grow(slots, p.config.UseHugePages); err != nil {
		return err
	}
	for i := range p.buffers.Pairs {
		if _, err := p.buffers.Pairs[i].Grow(slots, p.config.UseHugePages); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) upload(source *octree.Tree) (bool, error) {
	b := p.buffers
	slots := source.PoolSize()
	fingerprint := source.Fingerprint()
	if b.UploadValid && b.UploadSlots == slots && b.UploadFingerprint == fingerprint &&
		bytes.Equal(blockBytes(b.Upload.Items[:slots]), source.PoolBytes()) {
		return true, nil
	}

	b.UploadValid = false
	if _, err := b.Upload.Grow(slots, p.config.UseHugePages); err != nil {
		return false, err
	}
	copy(b.Upload.Items, source.Pool())
	b.UploadSlots = slots
	b.UploadFingerprint = fingerprint
	b.UploadValid = true
	return false, nil
}

func blockBytes(blocks []types.Block) []byte {
	if len(blocks) == 0 {
		return nil
	}
	return photon.SliceFromPointer[byte](unsafe.Pointer(&blocks[0]), len(blocks)*types.BlockLength)
}

func newJob(depth uint8, rotation spatial.Matrix) job {
	offsets := make([]uint64, depth+1)
	for l := uint8(1); l <= depth; l++ {
		offsets[l] = offsets[l-1] + uint64(1)<<(3*uint64(depth-l+1))
	}
	size := uint64(1) << depth
	return job{
		Depth:    depth,
		Size:     size,
		Half:     float64(size) / 2,
		Rotation: rotation,
		Offsets:  offsets,
	}
}

// job stores parameters of the rotation job.
type job struct {
	Depth    uint8
	Size     uint64
	Half     float64
	Rotation spatial.Matrix

	// Offsets[l] is the index of the first staging record of layer l.
	Offsets []uint64
}

// LayerNodes returns the number of nodes at the layer.
func (j job) LayerNodes(layer uint8) uint64 {
	return uint64(1) << (3 * uint64(j.Depth-layer))
}

func (p *Pipeline) runLeafStage(ctx context.Context, j job) error {
	upload := p.buffers.Upload.Items
	staging := p.buffers.Staging.Items[:j.LayerNodes(0)]

	return p.dispatch(ctx, "leaf", uint64(len(staging)), func(_ uint64, item uint64) error {
		x, y, z := mortonDecode(item)
		s := j.Rotation.ApplyInverse(r3.Vector{
			X: float64(x) + 0.5 - j.Half,
			Y: float64(y) + 0.5 - j.Half,
			Z: float64(z) + 0.5 - j.Half,
		})

		staging[item] = types.Record{Value: j.sample(upload, s)}
		return nil
	})
}

func (j job) sample(upload []types.Block, v r3.Vector) types.Material {
	size := float64(j.Size)
	sx, sy, sz := math.Floor(v.X+j.Half), math.Floor(v.Y+j.Half), math.Floor(v.Z+j.Half)
	if sx < 0 || sx >= size || sy < 0 || sy >= size || sz < 0 || sz >= size {
		return types.Air
	}
	return octree.Sample(upload, j.Depth, uint32(sx), uint32(sy), uint32(sz), 0)
}

func (p *Pipeline) runReconstructionStage(ctx context.Context, j job) error {
	staging := p.buffers.Staging.Items
	scratch := p.buffers.Scratch.Items
	allocator := newChunkAllocator(p.config.Workers, p.config.ChunkBlocks, uint64(len(scratch)))

	for l := uint8(1); l <= j.Depth; l++ {
		children := staging[j.Offsets[l-1] : j.Offsets[l-1]+j.LayerNodes(l-1)]
		nodes := staging[j.Offsets[l] : j.Offsets[l]+j.LayerNodes(l)]

		err := p.dispatch(ctx, fmt.Sprintf("layer-%02d", l), uint64(len(nodes)),
			func(worker uint64, item uint64) error {
				block := (*types.Block)(children[item*types.NumOfChildren : (item+1)*types.NumOfChildren])
				if r, ok := collapse(block); ok {
					nodes[item] = r
					return nil
				}

				slot, err := allocator.Allocate(worker)
				if err != nil {
					return err
				}
				scratch[slot] = *block
				nodes[item] = types.Record{
					Children: slot,
					Value:    block[0].Value,
				}
				return nil
			})
		if err != nil {
			return err
		}
	}

	scratch[types.RootSlot] = types.Block{staging[j.Offsets[j.Depth]]}
	return nil
}

// collapse returns uniform record replacing the block if all the children are uniform and hold the same value.
func collapse(block *types.Block) (types.Record, bool) {
	for _, r := range block {
		if !r.IsUniform() || r.Value != block[0].Value {
			return types.Record{}, false
		}
	}
	return types.Record{Value: block[0].Value}, true
}

func (p *Pipeline) runDefragmentationStage(ctx context.Context) (uint64, error) {
	scratch := p.buffers.Scratch.Items
	compacted := p.buffers.Compacted.Items
	lists := [2][]slotPair{p.buffers.Pairs[0].Items, p.buffers.Pairs[1].Items}

	live := lo.ToPtr[uint64](1)
	lists[0][0] = slotPair{Old: types.RootSlot, New: types.RootSlot}
	count := uint64(1)

	for level := 0; count > 0; level++ {
		pairs := lists[level%2][:count]
		next := lists[(level+1)%2]
		levelStart := atomic.LoadUint64(live)

		err := p.dispatch(ctx, fmt.Sprintf("defrag-%02d", level), count, func(_ uint64, item uint64) error {
			pair := pairs[item]
			block := scratch[pair.Old]
			for o := range block {
				if block[o].IsUniform() {
					continue
				}

				newSlot := atomic.AddUint64(live, 1) - 1
				if newSlot >= uint64(len(compacted)) {
					return errors.Errorf("compacted pool exhausted, capacity: %d", len(compacted))
				}
				next[newSlot-levelStart] = slotPair{Old: block[o].Children, New: types.SlotIndex(newSlot)}
				block[o].Children = types.SlotIndex(newSlot)
			}
			compacted[pair.New] = block
			return nil
		})
		if err != nil {
			return 0, err
		}

		count = atomic.LoadUint64(live) - levelStart
	}

	return atomic.LoadUint64(live), nil
}

// dispatch executes fn for every item in [0, count) using pipeline workers. It returns after all the items are
// processed.
func (p *Pipeline) dispatch(
	ctx context.Context,
	stage string,
	count uint64,
	fn func(worker uint64, item uint64) error,
) error {
	workers := min(p.config.Workers, (count+batchSize-1)/batchSize)
	next := lo.ToPtr[uint64](0)

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for i := range workers {
			spawn(fmt.Sprintf("%s-%02d", stage, i), parallel.Continue, func(ctx context.Context) error {
				for {
					start := atomic.AddUint64(next, batchSize) - batchSize
					if start >= count {
						return nil
					}
					for item := start; item < min(start+batchSize, count); item++ {
						if err := fn(i, item); err != nil {
							return err
						}
					}
				}
			})
		}
		return nil
	})
}

func newChunkAllocator(workers, chunkBlocks, capacity uint64) *chunkAllocator {
	return &chunkAllocator{
		next:     lo.ToPtr[uint64](1),
		chunk:    chunkBlocks,
		capacity: capacity,
		reserved: make([]chunk, workers),
	}
}

type chunk struct {
	Next uint64
	End  uint64
}

// chunkAllocator allocates slots of the destination pool. Each worker reserves chunks of slots from the shared
// counter and allocates from its own chunk without synchronization. Slot 0 is never allocated.
type chunkAllocator struct {
	next     *uint64
	chunk    uint64
	capacity uint64
	reserved []chunk
}

// Allocate allocates slot for the worker.
func (a *chunkAllocator) Allocate(worker uint64) (types.SlotIndex, error) {
	c := &a.reserved[worker]
	if c.Next == c.End {
		start := atomic.AddUint64(a.next, a.chunk) - a.chunk
		if start+a.chunk > a.capacity {
			return 0, errors.Errorf("destination pool exhausted, capacity: %d", a.capacity)
		}
		c.Next = start
		c.End = start + a.chunk
	}

	slot := c.Next
	c.Next++
	return types.SlotIndex(slot), nil
}
