package simplefs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	blockMapperPrometheusMetrics sync.Once

	blockMapperResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "simplefs",
			Name:      "block_mapper_resolutions_total",
			Help:      "Number of logical blocks resolved to physical blocks, partitioned by outcome.",
		},
		[]string{"result"})
	blockMapperBlocksReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "simplefs",
			Name:      "block_mapper_blocks_released_total",
			Help:      "Number of physical blocks removed from index blocks as part of truncation.",
		})
	blockMapperReleaseFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "simplefs",
			Name:      "block_mapper_release_failures_total",
			Help:      "Number of times blocks could not be removed from an index block.",
		})

	blockMapperResolutionsMapped    = blockMapperResolutions.WithLabelValues("Mapped")
	blockMapperResolutionsHole      = blockMapperResolutions.WithLabelValues("Hole")
	blockMapperResolutionsAllocated = blockMapperResolutions.WithLabelValues("Allocated")
	blockMapperResolutionsFailed    = blockMapperResolutions.WithLabelValues("Failed")
)

type metricsBlockMapper struct {
	base BlockMapper
}

// NewMetricsBlockMapper creates a decorator for BlockMapper that
// exposes Prometheus metrics on the outcome of block resolutions and
// the number of blocks released.
func NewMetricsBlockMapper(base BlockMapper) BlockMapper {
	blockMapperPrometheusMetrics.Do(func() {
		prometheus.MustRegister(blockMapperResolutions)
		prometheus.MustRegister(blockMapperBlocksReleased)
		prometheus.MustRegister(blockMapperReleaseFailures)
	})

	return &metricsBlockMapper{
		base: base,
	}
}

func (bm *metricsBlockMapper) ResolveBlock(inode *InodeInfo, logicalBlock uint32, allowAllocate bool) (BlockMapping, error) {
	mapping, err := bm.base.ResolveBlock(inode, logicalBlock, allowAllocate)
	switch {
	case err != nil:
		blockMapperResolutionsFailed.Inc()
	case mapping.Allocated:
		blockMapperResolutionsAllocated.Inc()
	case mapping.IsHole():
		blockMapperResolutionsHole.Inc()
	default:
		blockMapperResolutionsMapped.Inc()
	}
	return mapping, err
}

func (bm *metricsBlockMapper) ReleaseBlocks(inode *InodeInfo, firstLogicalBlock, endLogicalBlock uint32) (uint32, error) {
	released, err := bm.base.ReleaseBlocks(inode, firstLogicalBlock, endLogicalBlock)
	if err != nil {
		blockMapperReleaseFailures.Inc()
	}
	blockMapperBlocksReleased.Add(float64(released))
	return released, err
}
