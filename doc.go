// Package tabletscan provides the storage-scan subsystem of a columnar
// OLAP execution backend: it pulls rows from on-disk tablets, applies
// pushdown predicates with zone-map, dictionary and bloom pruning, and
// streams vectorized chunks to the query pipeline under a fixed memory
// and concurrency budget.
//
// # Execution flow
//
// A ScanNode turns its scan ranges into per-range scanners and
// schedules them on a worker pool shared across the whole process:
//
//  1. The node seeds a bounded pool of empty chunks and submits an
//     initial wave of scanners.
//  2. Each scanner takes an empty chunk from the pool, fills it from
//     storage and pushes it to the node's result stream.
//  3. When the pool has no chunk to hand out, the scanner parks itself
//     on a pending queue instead of occupying a worker.
//  4. The consumer drains the result stream via GetNext; every chunk
//     returned through Recycle re-admits one pending scanner.
//
// Backpressure is entirely buffer-driven: scan progress is throttled
// by the consumer's drain rate, not by queue limits or blocking.
//
// # Quick start
//
//	schema := chunk.MustSchema(
//	    chunk.Field{Name: "id", Type: chunk.TypeInt64},
//	    chunk.Field{Name: "city", Type: chunk.TypeString},
//	)
//
//	factory, _ := tablet.NewFactory(tablet.FactoryConfig{
//	    Schema: schema, Catalog: cat, Store: store,
//	})
//	node, _ := tabletscan.NewScanNode(schema, factory)
//	_ = node.SetScanRanges(ranges)
//	_ = node.Open(ctx)
//	defer node.Close()
//
//	for {
//	    c, more, err := node.GetNext(ctx)
//	    if err != nil || !more {
//	        break
//	    }
//	    consume(c)
//	    node.Recycle(c)
//	}
//
// # Scope
//
// The package schedules scan work and streams results; query planning,
// distributed shuffle and storage-engine transaction semantics live
// elsewhere. Row order across scanners is not guaranteed; downstream
// operators handle ordering when they need it.
package tabletscan
