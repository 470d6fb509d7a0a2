package filesystem

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	blockAllocatorPrometheusMetrics sync.Once

	blockAllocatorAllocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "simplefs",
			Name:      "block_allocator_allocations_total",
			Help:      "Number of attempts to allocate a block, partitioned by allocator and outcome.",
		},
		[]string{"allocator", "result"})
	blockAllocatorFrees = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "simplefs",
			Name:      "block_allocator_frees_total",
			Help:      "Number of blocks returned to an allocator.",
		},
		[]string{"allocator"})
	blockAllocatorFreeBlocks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "buildbarn",
			Subsystem: "simplefs",
			Name:      "block_allocator_free_blocks",
			Help:      "Number of blocks that were free after the last operation against an allocator.",
		},
		[]string{"allocator"})
)

type metricsBlockAllocator struct {
	base BlockAllocator

	allocationsSucceeded prometheus.Counter
	allocationsFailed    prometheus.Counter
	frees                prometheus.Counter
	freeBlocks           prometheus.Gauge
}

// NewMetricsBlockAllocator creates a decorator for BlockAllocator that
// exposes Prometheus metrics on how many blocks are allocated and
// freed. The name is used to distinguish multiple allocators (e.g.,
// one for data blocks and one for inodes).
func NewMetricsBlockAllocator(base BlockAllocator, name string) BlockAllocator {
	blockAllocatorPrometheusMetrics.Do(func() {
		prometheus.MustRegister(blockAllocatorAllocations)
		prometheus.MustRegister(blockAllocatorFrees)
		prometheus.MustRegister(blockAllocatorFreeBlocks)
	})

	ba := &metricsBlockAllocator{
		base: base,

		allocationsSucceeded: blockAllocatorAllocations.WithLabelValues(name, "Succeeded"),
		allocationsFailed:    blockAllocatorAllocations.WithLabelValues(name, "Failed"),
		frees:                blockAllocatorFrees.WithLabelValues(name),
		freeBlocks:           blockAllocatorFreeBlocks.WithLabelValues(name),
	}
	ba.updateFreeBlocks()
	return ba
}

func (ba *metricsBlockAllocator) updateFreeBlocks() {
	ba.freeBlocks.Set(float64(ba.base.GetFreeBlockCount()))
}

func (ba *metricsBlockAllocator) AllocateBlock() (uint32, error) {
	block, err := ba.base.AllocateBlock()
	if err != nil {
		ba.allocationsFailed.Inc()
		return 0, err
	}
	ba.allocationsSucceeded.Inc()
	ba.updateFreeBlocks()
	return block, nil
}

func (ba *metricsBlockAllocator) FreeBlock(block uint32) {
	ba.base.FreeBlock(block)
	ba.frees.Inc()
	ba.updateFreeBlocks()
}

func (ba *metricsBlockAllocator) FreeBlockList(blocks []uint32) {
	ba.base.FreeBlockList(blocks)
	count := 0
	for _, block := range blocks {
		if block != 0 {
			count++
		}
	}
	ba.frees.Add(float64(count))
	ba.updateFreeBlocks()
}

func (ba *metricsBlockAllocator) GetFreeBlockCount() uint32 {
	return ba.base.GetFreeBlockCount()
}
