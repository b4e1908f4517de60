package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/internal/metrics"

	"go.uber.org/zap"
)

const defaultSaveTimeout = 5 * time.Second

// Flusher decides when hub state reaches the store.
//
// With a zero interval every Notify saves synchronously. With a positive
// interval Notify only marks the state dirty and a background loop saves at
// most once per tick. Either way Close performs a final flush.
type Flusher struct {
	store    Store
	source   func() Snapshot
	interval time.Duration
	timeout  time.Duration

	mu    sync.Mutex // serializes saves; the snapshot is taken under it
	dirty atomic.Bool

	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewFlusher(store Store, source func() Snapshot, interval time.Duration) *Flusher {
	return &Flusher{
		store:    store,
		source:   source,
		interval: interval,
		timeout:  defaultSaveTimeout,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the debounce loop. It is a no-op in synchronous mode.
func (f *Flusher) Start() {
	if f.interval <= 0 || !f.started.CompareAndSwap(false, true) {
		return
	}
	tk := time.NewTicker(f.interval)
	go func() {
		defer close(f.done)
		defer tk.Stop()
		for {
			select {
			case <-f.stop:
				return
			case <-tk.C:
				if f.dirty.Load() {
					f.Flush()
				}
			}
		}
	}()
}

// Notify records that hub state changed.
func (f *Flusher) Notify() {
	if f.interval > 0 && !f.closed.Load() {
		f.dirty.Store(true)
		return
	}
	f.Flush()
}

// Flush saves the current state now. Failures are logged and counted; the
// caller carries on.
func (f *Flusher) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dirty.Store(false)
	snap := f.source()

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	start := time.Now()
	err := f.store.Save(ctx, snap)
	metrics.SnapshotSaveSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		// Leave the state dirty so the next tick retries.
		f.dirty.Store(true)
		metrics.SnapshotSaves.WithLabelValues("error").Inc()
		zap.L().Error("persistence.save_failed", zap.Error(err))
		return err
	}
	metrics.SnapshotSaves.WithLabelValues("ok").Inc()
	return nil
}

// Close stops the loop and writes the final state. Safe to call repeatedly;
// only the first call flushes.
func (f *Flusher) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.closed.Store(true)
		close(f.stop)
		if f.started.Load() {
			<-f.done
		}
		err = f.Flush()
	})
	return err
}
