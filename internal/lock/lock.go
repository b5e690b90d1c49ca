// Package lock wraps persistence.Port's key-lease primitives with
// auto-renewal, generalizing the host's single-purpose Postgres advisory
// leader lock into a general-purpose named mutex used both for runner
// exclusivity ("runner:<id>") and per-artifact download serialization
// ("artifact:<group>:<artifact>:<ver>:<classifier>"), per SPEC_FULL.md §4.8.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/rlemke/agentflow/internal/persistence"
)

// DefaultLease is the lease duration used when a caller doesn't specify one.
const DefaultLease = 30 * time.Second

// Manager acquires, renews, and releases named leases against a
// persistence.LockStore.
type Manager struct {
	store persistence.LockStore
}

// New returns a Manager backed by the given store.
func New(store persistence.LockStore) *Manager {
	return &Manager{store: store}
}

// Held represents a currently-held lease. Release must be called exactly
// once to give it up; it also stops the background renewal goroutine.
type Held struct {
	mgr    *Manager
	key    string
	cancel context.CancelFunc
	done   chan struct{}
}

// TryAcquire attempts a single, non-blocking lease acquisition. ok is false
// if another holder currently owns the key.
func (m *Manager) TryAcquire(ctx context.Context, key string, lease time.Duration, meta map[string]string) (bool, error) {
	return m.store.AcquireLock(ctx, key, lease.Milliseconds(), meta)
}

// AcquireAndHold blocks (polling at the given interval) until the lease is
// acquired or ctx is cancelled, then starts a background goroutine that
// renews the lease at half the lease duration until Release is called.
func (m *Manager) AcquireAndHold(ctx context.Context, key string, lease time.Duration, pollInterval time.Duration, meta map[string]string) (*Held, error) {
	if lease <= 0 {
		lease = DefaultLease
	}
	if pollInterval <= 0 {
		pollInterval = lease / 4
	}

	for {
		ok, err := m.store.AcquireLock(ctx, key, lease.Milliseconds(), meta)
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	h := &Held{mgr: m, key: key, cancel: cancel, done: make(chan struct{})}
	go h.renewLoop(renewCtx, lease)
	return h, nil
}

func (h *Held) renewLoop(ctx context.Context, lease time.Duration) {
	defer close(h.done)
	ticker := time.NewTicker(lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extendCtx, cancel := context.WithTimeout(context.Background(), lease/2)
			_, _ = h.mgr.store.ExtendLock(extendCtx, h.key, lease.Milliseconds())
			cancel()
		}
	}
}

// Release gives up the lease and stops renewal. Safe to call once.
func (h *Held) Release(ctx context.Context) error {
	h.cancel()
	<-h.done
	_, err := h.mgr.store.ReleaseLock(ctx, h.key)
	return err
}

// Check reports whether key is currently held; an expired lease counts as
// unheld.
func (m *Manager) Check(ctx context.Context, key string) (held bool, err error) {
	l, err := m.store.CheckLock(ctx, key)
	if err != nil {
		return false, err
	}
	return l != nil, nil
}

// RunnerKey formats the exclusivity lock key for a single runner instance.
func RunnerKey(runnerID string) string {
	return "runner:" + runnerID
}

// ArtifactKey formats the download-serialization lock key for one Maven
// coordinate, matching maven_runner.py's per-artifact lock granularity.
func ArtifactKey(group, artifact, version, classifier string) string {
	return fmt.Sprintf("artifact:%s:%s:%s:%s", group, artifact, version, classifier)
}
