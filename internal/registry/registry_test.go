package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlemke/agentflow/internal/entities"
	"github.com/rlemke/agentflow/internal/persistence/memory"
	"github.com/rlemke/agentflow/internal/registry"
)

func TestRegistryRefreshAndLookup(t *testing.T) {
	ctx := context.Background()
	port := memory.New()
	reg := registry.New(port)

	got, err := reg.Lookup(ctx, "send_email")
	require.NoError(t, err)
	assert.Nil(t, got, "lookup on an empty registry must miss rather than error")

	require.NoError(t, port.SaveHandlerRegistration(ctx, &entities.HandlerRegistration{
		FacetName: "send_email",
		ModuleURI: "mvn:com.example:email-handler:1.0.0",
	}))

	// A row written directly through the store (bypassing Register) must
	// still surface on Lookup via the cache-miss fallback.
	got, err = reg.Lookup(ctx, "send_email")
	require.NoError(t, err)
	require.NotNil(t, got, "a cache miss must fall through to the store")

	require.NoError(t, reg.Refresh(ctx))
	assert.Contains(t, reg.Names(), "send_email")
}

func TestRegistryRegisterDeregister(t *testing.T) {
	ctx := context.Background()
	port := memory.New()
	reg := registry.New(port)

	require.NoError(t, reg.Register(ctx, &entities.HandlerRegistration{FacetName: "approve"}))
	assert.Contains(t, reg.Names(), "approve")

	got, err := reg.Lookup(ctx, "approve")
	require.NoError(t, err)
	require.NotNil(t, got)

	ok, err := reg.Deregister(ctx, "approve")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotContains(t, reg.Names(), "approve")
}

func TestInProcessDispatch(t *testing.T) {
	ctx := context.Background()
	d := registry.NewInProcessDispatch()

	assert.False(t, d.Has("echo"))
	assert.Empty(t, d.Names())

	d.Register("echo", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return params, nil
	})

	assert.True(t, d.Has("echo"))
	assert.Equal(t, []string{"echo"}, d.Names())

	out, err := d.Dispatch(ctx, "echo", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1}, out)

	_, err = d.Dispatch(ctx, "missing", nil)
	assert.Error(t, err)
}
