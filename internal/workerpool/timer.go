package workerpool

import (
	"context"
	"sync"
	"time"
)

// TimerHandle references a scheduled timer for later cancellation.
type TimerHandle uint64

// TimerPool schedules callbacks with time.AfterFunc (one-shot timers) and
// one ticker goroutine per Every; each fired callback is handed to a Pool so
// a slow callback never delays the next timer tick.
type TimerPool struct {
	pool *Pool

	mu      sync.Mutex
	cancels map[TimerHandle]func()
	nextID  TimerHandle
	stopped bool
}

// NewTimerPool creates a TimerPool dispatching onto the given Pool.
func NewTimerPool(pool *Pool) *TimerPool {
	return &TimerPool{
		pool:    pool,
		cancels: make(map[TimerHandle]func()),
	}
}

// After schedules fn to run once, after d, on the backing worker pool.
func (tp *TimerPool) After(d time.Duration, fn func(ctx context.Context)) TimerHandle {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.stopped {
		return 0
	}

	tp.nextID++
	id := tp.nextID

	t := time.AfterFunc(d, func() {
		tp.pool.Submit(fn)
		tp.mu.Lock()
		delete(tp.cancels, id)
		tp.mu.Unlock()
	})
	tp.cancels[id] = func() { t.Stop() }
	return id
}

// Every schedules fn to run repeatedly, every d, on the backing worker pool,
// until Cancel is called or the TimerPool is stopped.
func (tp *TimerPool) Every(d time.Duration, fn func(ctx context.Context)) TimerHandle {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.stopped {
		return 0
	}

	tp.nextID++
	id := tp.nextID

	ticker := time.NewTicker(d)
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		for {
			select {
			case <-stop:
				ticker.Stop()
				return
			case <-ticker.C:
				tp.pool.Submit(fn)
			}
		}
	}()

	tp.cancels[id] = func() { once.Do(func() { close(stop) }) }
	return id
}

// Cancel stops a scheduled timer or repeating job; it is a no-op for unknown or already-fired handles.
func (tp *TimerPool) Cancel(id TimerHandle) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if fn, ok := tp.cancels[id]; ok {
		fn()
		delete(tp.cancels, id)
	}
}

// Stop cancels every outstanding timer.
func (tp *TimerPool) Stop() {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.stopped = true
	for id, fn := range tp.cancels {
		fn()
		delete(tp.cancels, id)
	}
}
