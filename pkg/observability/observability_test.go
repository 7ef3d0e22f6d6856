package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "forge-cascade-kernel", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
}

func TestDisabledProviderIsInert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	p, err := New(context.Background(), cfg)
	require.NoError(t, err)

	// Every surface must be callable without panicking.
	ctx, done := p.TrackOperation(context.Background(), "noop")
	require.NotNil(t, ctx)
	done(errors.New("recorded but dropped"))
	p.RecordError(ctx, errors.New("dropped"))
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	require.NoError(t, p.Shutdown(context.Background()))
}
