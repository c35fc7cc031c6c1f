package scheduler

import (
	"context"

	"github.com/tavinathanson/taviblock/internal/domain"
)

// AsyncSink adapts a slow EventSink so its HandleEvent work runs on a
// dedicated goroutine instead of the caller's. The Active Enforcer can
// block for as long as promptTimeout waiting on platform I/O; §5 requires
// that no suspension hold the Store's single-writer lease, and HandleEvent
// is normally called inline from Tick, which runs on the same goroutine
// that drains the command queue. Wrapping the enforcer in an AsyncSink
// keeps Tick non-blocking regardless of how slow the wrapped sink is.
type AsyncSink struct {
	sink   EventSink
	events chan asyncEvent
}

type asyncEvent struct {
	ctx context.Context
	ev  domain.Event
}

// NewAsyncSink wraps sink and starts its delivery goroutine. backlog bounds
// how many undelivered events may queue; once full, HandleEvent drops the
// newest event rather than block the caller.
func NewAsyncSink(sink EventSink, backlog int) *AsyncSink {
	a := &AsyncSink{sink: sink, events: make(chan asyncEvent, backlog)}
	go a.run()
	return a
}

func (a *AsyncSink) run() {
	for job := range a.events {
		a.sink.HandleEvent(job.ctx, job.ev)
	}
}

// HandleEvent implements EventSink. It never blocks: a full backlog drops
// the event so a stuck downstream sink can't stall the scheduler's tick.
func (a *AsyncSink) HandleEvent(ctx context.Context, ev domain.Event) {
	select {
	case a.events <- asyncEvent{ctx: ctx, ev: ev}:
	default:
	}
}
