package calllog

import (
	"context"
	"log/slog"

	"github.com/nugget/tether/internal/events"
)

// Recorder writes toolCall events from a bus into a Store.
type Recorder struct {
	store  *Store
	bus    *events.Bus
	ch     <-chan events.Event
	logger *slog.Logger
}

// NewRecorder subscribes to bus immediately, so no event published
// after it returns is missed. Call Run to start recording.
func NewRecorder(store *Store, bus *events.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  store,
		bus:    bus,
		ch:     bus.Subscribe(256),
		logger: logger,
	}
}

// Run records events until ctx is cancelled, then writes whatever is
// still buffered and unsubscribes. It consumes a channel subscription
// so slow disk writes never stall the publisher.
func (r *Recorder) Run(ctx context.Context) {
	defer r.bus.Unsubscribe(r.ch)

	// Writes outlive cancellation so the final drain succeeds.
	wctx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			r.drain(wctx)
			return
		case e, ok := <-r.ch:
			if !ok {
				return
			}
			r.record(wctx, e)
		}
	}
}

func (r *Recorder) drain(ctx context.Context) {
	for {
		select {
		case e, ok := <-r.ch:
			if !ok {
				return
			}
			r.record(ctx, e)
		default:
			return
		}
	}
}

func (r *Recorder) record(ctx context.Context, e events.Event) {
	rec, ok := FromEvent(e)
	if !ok {
		return
	}
	if err := r.store.Record(ctx, rec); err != nil {
		r.logger.Warn("record tool call failed", "tool", rec.Tool, "error", err)
	}
}

// FromEvent converts a toolCall event to a Record. It reports false
// for any other kind.
func FromEvent(e events.Event) (Record, bool) {
	if e.Kind != events.KindToolCall {
		return Record{}, false
	}
	rec := Record{Timestamp: e.Timestamp}
	rec.Tool, _ = e.Data["tool"].(string)
	rec.SessionID, _ = e.Data["session_id"].(string)
	rec.CallID, _ = e.Data["id"].(int64)
	rec.OK, _ = e.Data["ok"].(bool)
	rec.DurationMS, _ = e.Data["duration_ms"].(int64)
	rec.ErrorKind, _ = e.Data["error_kind"].(string)
	rec.Error, _ = e.Data["error"].(string)
	return rec, true
}
