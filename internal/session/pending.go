package session

import (
	"encoding/json"
	"time"
)

// callResult is delivered exactly once to a pending call's waiter.
type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall is an outstanding request awaiting its response.
type pendingCall struct {
	id       int64
	method   string
	tool     string
	issuedAt time.Time
	timeout  time.Duration
	timer    *time.Timer
	done     chan callResult
}

// pendingTable maps correlation ids to outstanding calls. It has no
// lock of its own; the owning Client's mutex guards it.
type pendingTable struct {
	calls map[int64]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[int64]*pendingCall)}
}

// add registers pc. The id must not already be present.
func (t *pendingTable) add(pc *pendingCall) {
	t.calls[pc.id] = pc
}

// take removes and returns the call for id, stopping its timer. It
// returns nil when id is unknown, which makes removal happen at most
// once no matter which path (response, timeout, cancellation,
// teardown) gets there first.
func (t *pendingTable) take(id int64) *pendingCall {
	pc, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	return pc
}

// takeAll empties the table and returns everything that was in it.
func (t *pendingTable) takeAll() []*pendingCall {
	out := make([]*pendingCall, 0, len(t.calls))
	for id := range t.calls {
		out = append(out, t.take(id))
	}
	return out
}

func (t *pendingTable) len() int {
	return len(t.calls)
}

// resolve hands res to the waiter. done is buffered so this never
// blocks.
func (pc *pendingCall) resolve(res callResult) {
	pc.done <- res
}
