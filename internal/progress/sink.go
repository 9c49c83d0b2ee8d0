package progress

import "context"

// Sink consumes batches of progress events. Consume is called from the hub's
// single goroutine; Close is called once after the final flush.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it, and so does a nil
// *Hub, which discards everything.
type Emitter interface {
	Emit(evt Event)
}
