package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlemke/agentflow/internal/lock"
	"github.com/rlemke/agentflow/internal/persistence/memory"
)

func TestTryAcquireRejectsSecondHolder(t *testing.T) {
	ctx := context.Background()
	mgr := lock.New(memory.New())

	ok, err := mgr.TryAcquire(ctx, lock.RunnerKey("r1"), time.Second, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = mgr.TryAcquire(ctx, lock.RunnerKey("r1"), time.Second, nil)
	require.NoError(t, err)
	assert.False(t, ok, "a second acquire against a held key must fail")
}

func TestAcquireAndHoldReleasesCleanly(t *testing.T) {
	ctx := context.Background()
	mgr := lock.New(memory.New())

	held, err := mgr.AcquireAndHold(ctx, "artifact:com.example:handler:1.0.0:", 200*time.Millisecond, 10*time.Millisecond, nil)
	require.NoError(t, err)
	require.NotNil(t, held)

	isHeld, err := mgr.Check(ctx, "artifact:com.example:handler:1.0.0:")
	require.NoError(t, err)
	assert.True(t, isHeld)

	require.NoError(t, held.Release(ctx))

	isHeld, err = mgr.Check(ctx, "artifact:com.example:handler:1.0.0:")
	require.NoError(t, err)
	assert.False(t, isHeld)
}

func TestAcquireAndHoldBlocksUntilReleased(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	mgr := lock.New(store)

	key := lock.RunnerKey("r2")
	first, err := mgr.AcquireAndHold(ctx, key, 500*time.Millisecond, 5*time.Millisecond, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		second, err := mgr.AcquireAndHold(ctx, key, 500*time.Millisecond, 5*time.Millisecond, nil)
		assert.NoError(t, err)
		if second != nil {
			_ = second.Release(ctx)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second acquire must not succeed before the first lock is released")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Release(ctx))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second acquire must succeed once the first lock is released")
	}
}

func TestArtifactKeyFormatsCoordinateComponents(t *testing.T) {
	key := lock.ArtifactKey("com.example", "handler", "1.0.0", "linux-x86_64")
	assert.Equal(t, "artifact:com.example:handler:1.0.0:linux-x86_64", key)
}
