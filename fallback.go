package llmgate

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/llmgate/llmgate/internal/logging"
)

// backendProbeInterval bounds how often a degraded backend is re-tried.
const backendProbeInterval = 5 * time.Second

// fallbackBackend wraps a Backend and degrades to local-only admission
// when the backend errors. While degraded, Acquire grants unconditionally
// and the wrapped backend is probed at most once per probe interval;
// a successful call restores normal operation.
type fallbackBackend struct {
	inner         Backend
	probeInterval time.Duration

	degraded  atomic.Bool
	lastProbe atomic.Int64
}

func newFallbackBackend(inner Backend, probeInterval time.Duration) *fallbackBackend {
	if probeInterval <= 0 {
		probeInterval = backendProbeInterval
	}
	return &fallbackBackend{inner: inner, probeInterval: probeInterval}
}

// probeDue returns true at most once per probe interval.
func (f *fallbackBackend) probeDue() bool {
	now := time.Now().UnixNano()
	last := f.lastProbe.Load()
	if now-last < int64(f.probeInterval) {
		return false
	}
	return f.lastProbe.CompareAndSwap(last, now)
}

func (f *fallbackBackend) markDegraded(err error) {
	if f.degraded.CompareAndSwap(false, true) {
		logging.Op().Warn("backend degraded, admitting locally", "error", err)
	}
	f.lastProbe.Store(time.Now().UnixNano())
}

func (f *fallbackBackend) markHealthy() {
	if f.degraded.CompareAndSwap(true, false) {
		logging.Op().Info("backend recovered")
	}
}

func (f *fallbackBackend) Register(ctx context.Context, instanceID string) (*AllocationInfo, error) {
	return f.inner.Register(ctx, instanceID)
}

func (f *fallbackBackend) Unregister(ctx context.Context, instanceID string) error {
	return f.inner.Unregister(ctx, instanceID)
}

func (f *fallbackBackend) Heartbeat(ctx context.Context, instanceID string) error {
	err := f.inner.Heartbeat(ctx, instanceID)
	if err == nil {
		f.markHealthy()
	}
	return err
}

func (f *fallbackBackend) Subscribe(ctx context.Context, instanceID string, fn func(*AllocationInfo)) (func(), error) {
	return f.inner.Subscribe(ctx, instanceID, fn)
}

func (f *fallbackBackend) Acquire(ctx context.Context, instanceID, modelID string) (bool, error) {
	if f.degraded.Load() && !f.probeDue() {
		return true, nil
	}
	granted, err := f.inner.Acquire(ctx, instanceID, modelID)
	if err != nil {
		f.markDegraded(err)
		return true, nil
	}
	f.markHealthy()
	return granted, nil
}

func (f *fallbackBackend) Release(ctx context.Context, instanceID string, usage ReleaseUsage) error {
	if f.degraded.Load() {
		return nil
	}
	err := f.inner.Release(ctx, instanceID, usage)
	if err != nil {
		f.markDegraded(err)
		return nil
	}
	return nil
}

func (f *fallbackBackend) Close() error {
	return f.inner.Close()
}
