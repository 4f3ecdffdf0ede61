package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayGuard(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	g := NewReplayGuard().WithClock(func() time.Time { return now })

	ok, err := g.Claim(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = g.Claim(ctx, "a", time.Minute)
	assert.False(t, ok)
	ok, _ = g.Claim(ctx, "b", time.Minute)
	assert.True(t, ok)

	now = now.Add(time.Minute)
	ok, _ = g.Claim(ctx, "a", time.Minute)
	assert.True(t, ok, "expired claims are swept")
	assert.Len(t, g.seen, 1)
}
