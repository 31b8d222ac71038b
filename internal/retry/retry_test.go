package retry

import (
	"context"
	"testing"
	"time"

	"github.com/italolelis/rangefetch/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Delay(t *testing.T) {
	p := Policy{MaxRetries: 5, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{5, 5 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.retry), "retry %d", tt.retry)
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	p := Policy{MaxRetries: 2}

	assert.False(t, p.Exhausted(1))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, Policy{}.Exhausted(1))
}

func TestSleep(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))

	require.NoError(t, Sleep(context.Background(), clk, 3*time.Second))
	assert.Equal(t, []time.Duration{3 * time.Second}, clk.Sleeps())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, Sleep(ctx, clk, 0), context.Canceled)
}
