package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultLabel = "result"

	resultSuccess = "success"
	resultFailure = "failure"
)

var (
	rotationJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxtree_rotation_jobs_total",
		Help: "The number of executed rotation jobs.",
	}, []string{resultLabel})

	rotationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voxtree_rotation_duration_seconds",
		Help:    "The time taken by rotation jobs.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})

	rotationLiveSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxtree_rotation_live_slots",
		Help: "The number of slots in the tree produced by the last rotation job.",
	})

	scratchCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxtree_scratch_capacity_slots",
		Help: "The number of slots reserved in the destination scratch pool.",
	})
)

func instrumentRotation(start time.Time, err error, liveSlots uint64) {
	if err != nil {
		rotationJobs.With(prometheus.Labels{resultLabel: resultFailure}).Inc()
		return
	}

	rotationJobs.With(prometheus.Labels{resultLabel: resultSuccess}).Inc()
	rotationDuration.Observe(time.Since(start).Seconds())
	rotationLiveSlots.Set(float64(liveSlots))
}

func instrumentScratchCapacity(slots uint64) {
	scratchCapacity.Set(float64(slots))
}
