package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"docchat/internal/logger"
)

const (
	defaultQueueLen    = 16
	defaultIdleTimeout = 5 * time.Minute
)

var ErrStopped = errors.New("worker manager stopped")

// Manager runs work for one chat at a time. Each chat gets a lane: a
// goroutine draining a task queue in submission order. Lanes exit after
// sitting idle and are recreated on demand.
type Manager struct {
	mu          sync.Mutex
	lanes       map[int64]*laneState
	queueLen    int
	idleTimeout time.Duration
	log         *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

type Option func(*Manager)

func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

func WithQueueLen(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queueLen = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		lanes:       make(map[int64]*laneState),
		queueLen:    defaultQueueLen,
		idleTimeout: defaultIdleTimeout,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logger.OrNop(m.log)
	return m
}

// Run executes fn on the lane for key and waits for it. fn receives a
// context detached from ctx's cancellation: once queued it runs to the end
// even if the caller gives up, in which case Run returns ctx.Err().
func (m *Manager) Run(ctx context.Context, key int64, fn func(context.Context) error) error {
	lane, err := m.acquire(key)
	if err != nil {
		return err
	}
	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case lane.tasks <- t:
	case <-ctx.Done():
		m.release(lane)
		return ctx.Err()
	case <-m.stopCh:
		m.release(lane)
		return ErrStopped
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopCh:
		return ErrStopped
	}
}

// Stop terminates every lane. Queued tasks that have not started are dropped.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// ActiveLanes returns the number of live lanes.
func (m *Manager) ActiveLanes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lanes)
}

func (m *Manager) acquire(key int64) (*laneState, error) {
	select {
	case <-m.stopCh:
		return nil, ErrStopped
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	lane, ok := m.lanes[key]
	if !ok {
		lane = newLaneState(key, m.queueLen)
		m.lanes[key] = lane
		go m.runLane(lane)
	}
	lane.refs++
	return lane, nil
}

func (m *Manager) release(lane *laneState) {
	m.mu.Lock()
	lane.refs--
	m.mu.Unlock()
}

func (m *Manager) runLane(lane *laneState) {
	timer := time.NewTimer(m.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-m.stopCh:
			m.mu.Lock()
			delete(m.lanes, lane.key)
			m.mu.Unlock()
			return
		case t := <-lane.tasks:
			t.done <- m.execute(lane.key, t)
			m.release(lane)
			resetTimer(timer, m.idleTimeout)
		case <-timer.C:
			m.mu.Lock()
			if lane.idle() {
				delete(m.lanes, lane.key)
				m.mu.Unlock()
				m.log.Debug("chat lane reaped", zap.Int64("chat_id", lane.key))
				return
			}
			m.mu.Unlock()
			timer.Reset(m.idleTimeout)
		}
	}
}

func (m *Manager) execute(key int64, t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("chat lane task panicked", zap.Int64("chat_id", key), zap.Any("panic", r))
			err = fmt.Errorf("chat %d task panicked: %v", key, r)
		}
	}()
	return t.fn(context.WithoutCancel(t.ctx))
}
