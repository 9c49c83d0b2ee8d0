// Package progress carries harvest progress events from the pipeline and the
// download engine to pluggable sinks. Emit never blocks: events are buffered,
// batched on a background goroutine, and dropped under backpressure.
package progress
