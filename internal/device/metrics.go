package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tessera_pool_hits_total",
		Help: "Total number of successful buffer pool retrievals",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tessera_pool_misses_total",
		Help: "Total number of buffer pool misses (allocations)",
	})

	poolSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tessera_pool_size_bytes",
		Help: "Current total size of buffers in the pool in bytes",
	})

	poolBuffers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tessera_pool_buffers_count",
		Help: "Current total number of buffers in the pool",
	})

	allocFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tessera_alloc_failures_total",
		Help: "Total number of allocations refused by a budget",
	})

	heapBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tessera_heap_bytes",
		Help: "Bytes currently held by heap allocated tensors",
	})
)
