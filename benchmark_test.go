package voxtree_test

import (
	"context"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/logger"
	"github.com/outofforest/voxtree"
	"github.com/outofforest/voxtree/pipeline"
	"github.com/outofforest/voxtree/spatial"
	"github.com/outofforest/voxtree/test"
)

// echo 120 | sudo tee /proc/sys/vm/nr_hugepages
// go test -benchtime=10x -bench=. -run=^$ -cpuprofile profile.out
// go tool pprof -http="localhost:8000" pprofbin ./profile.out

func BenchmarkRotate(b *testing.B) {
	const depth = 7

	b.StopTimer()
	b.ResetTimer()

	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig)))
	b.Cleanup(cancel)

	p := pipeline.New(pipeline.Config{})
	b.Cleanup(p.Close)
	require.NoError(b, p.Reserve(depth))

	m, err := voxtree.NewModel(depth, p)
	require.NoError(b, err)
	for _, v := range test.RandomVoxels(1, depth, 50_000) {
		require.NoError(b, m.SetVoxel(v.X, v.Y, v.Z, v.Value))
	}

	rotation, err := spatial.FromAxisAngle(r3.Vector{X: 1, Y: 2, Z: 3}, math.Pi/7)
	require.NoError(b, err)

	b.StartTimer()
	for range b.N {
		require.NoError(b, m.Rotate(ctx, rotation))
	}
}
