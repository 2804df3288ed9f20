package worker

import (
	"context"
	"time"
)

type task struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// laneState is the queue of one chat. refs counts tasks submitted but not
// yet finished; it is guarded by Manager.mu.
type laneState struct {
	key   int64
	tasks chan task
	refs  int
}

func newLaneState(key int64, queueLen int) *laneState {
	return &laneState{
		key:   key,
		tasks: make(chan task, queueLen),
	}
}

// idle reports whether the lane can be reaped. Caller holds Manager.mu.
func (l *laneState) idle() bool {
	return l.refs == 0 && len(l.tasks) == 0
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
