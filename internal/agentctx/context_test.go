package agentctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContext_RoundTrip(t *testing.T) {
	ctx := WithAgent(context.Background(), Agent{ID: "a1", Plan: "standard", RPSLimit: 20})

	a, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "a1", a.ID)
	assert.Equal(t, "standard", a.Plan)
	assert.Equal(t, 20, a.RPSLimit)
}

func TestFromContext_Empty(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
}

func TestMustFromContext_PanicsOutsideRequest(t *testing.T) {
	assert.Panics(t, func() {
		MustFromContext(context.Background())
	})
}
