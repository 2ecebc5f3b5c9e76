// Package pipeline implements the framed processor chain a call runs on.
//
// A pipeline is an ordered sequence of processors connected by duplex links.
// Downstream frames travel from the transport input towards the transport
// output; upstream frames travel the reverse path. Each processor runs on its
// own goroutine and consumes one FIFO inbox per direction, so frames along a
// single direction arrive in order while a stage that suspends on I/O never
// stalls its neighbours.
//
// The Task owns the chain: it distributes the StartFrame, emits heartbeats,
// translates the engine's EndTaskFrame into a graceful EndFrame or an
// immediate CancelFrame, and tears the chain down once the terminal frame has
// passed every stage.
package pipeline

import (
	"context"

	"github.com/parleyvoice/parley/pkg/frame"
)

// PushFunc delivers a frame produced by a processor into the chain. The
// frame's direction decides whether it travels towards the transport output
// or back towards the transport input. Safe to call from the processor's own
// goroutine and from background goroutines it spawns.
type PushFunc func(frame.Frame)

// Processor is one stage of the chain. ProcessFrame consumes a single frame
// and may push any number of derived frames before returning; frames the
// processor does not handle must be forwarded via push so control signals
// reach every stage.
//
// ProcessFrame is never called concurrently for the same processor.
type Processor interface {
	// Name identifies the stage in logs.
	Name() string

	// ProcessFrame handles one frame. Returning an error logs it; the frame
	// is considered consumed either way.
	ProcessFrame(ctx context.Context, f frame.Frame, push PushFunc) error
}

// Closer is implemented by processors holding external resources (sockets,
// sessions, background tasks). The Task calls Close during teardown, in
// reverse chain order.
type Closer interface {
	Close() error
}
