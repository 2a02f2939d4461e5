package tabletscan

import (
	"log/slog"
	"sync"

	"github.com/hupe1980/tabletscan/resource"
	"github.com/hupe1980/tabletscan/scan"
	"github.com/hupe1980/tabletscan/workerpool"
)

// DefaultChunkCapacity is the row capacity of pooled chunks.
const DefaultChunkCapacity = 4096

var (
	defaultPoolOnce sync.Once
	defaultPool     *workerpool.Pool

	defaultControllerOnce sync.Once
	defaultController     *resource.Controller
)

// DefaultWorkerPool returns the lazily created process-wide worker
// pool, sized to the default scanner ceiling.
func DefaultWorkerPool() *workerpool.Pool {
	defaultPoolOnce.Do(func() {
		defaultPool = workerpool.New(resource.DefaultMaxScanners, 0)
	})
	return defaultPool
}

// DefaultController returns the lazily created process-wide resource
// controller shared by scan nodes that were not given their own.
func DefaultController() *resource.Controller {
	defaultControllerOnce.Do(func() {
		defaultController = resource.NewController(resource.Config{})
	})
	return defaultController
}

type options struct {
	chunkCapacity    int
	chunksPerScanner int
	basePriority     int
	pool             *workerpool.Pool
	controller       *resource.Controller
	counters         *scan.Counters
	logger           *Logger
	metrics          MetricsCollector
}

// Option configures a ScanNode.
type Option func(*options)

// WithChunkCapacity sets the row capacity of pooled chunks.
func WithChunkCapacity(rows int) Option {
	return func(o *options) {
		if rows > 0 {
			o.chunkCapacity = rows
		}
	}
}

// WithChunksPerScanner bounds the chunk pool at
// numScanners * n chunks. Larger values trade memory for less scanner
// parking under a slow consumer.
func WithChunksPerScanner(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunksPerScanner = n
		}
	}
}

// WithBasePriority sets the submission priority of the scan's first
// tasks. Priority decays with the number of submitted tasks so that
// concurrently executing scans share the worker pool fairly.
func WithBasePriority(p int) Option {
	return func(o *options) {
		if p > 0 {
			o.basePriority = p
		}
	}
}

// WithWorkerPool shares the given worker pool instead of the process
// default. All nodes of one process should share one pool.
func WithWorkerPool(p *workerpool.Pool) Option {
	return func(o *options) {
		if p != nil {
			o.pool = p
		}
	}
}

// WithController injects the admission-control resource (concurrency
// ceiling, chunk memory budget, IO throttling) shared by the nodes of
// this process.
func WithController(c *resource.Controller) Option {
	return func(o *options) {
		if c != nil {
			o.controller = c
		}
	}
}

// WithCounters shares a Counters instance between the node and its
// scanner factory so storage-level pruning statistics land in the same
// profile.
func WithCounters(c *scan.Counters) Option {
	return func(o *options) {
		if c != nil {
			o.counters = c
		}
	}
}

// WithLogger configures structured logging. Pass nil to disable.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLogLevel creates a text logger with the specified level and sets
// it. Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// scan operations.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc != nil {
			o.metrics = mc
		}
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		chunkCapacity:    DefaultChunkCapacity,
		logger:           NoopLogger(),
		metrics:          NoopMetricsCollector{},
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.pool == nil {
		o.pool = DefaultWorkerPool()
	}
	if o.controller == nil {
		o.controller = DefaultController()
	}
	return o
}
