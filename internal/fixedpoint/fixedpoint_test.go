package fixedpoint

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

func TestMulDiv(t *testing.T) {
	tests := []struct {
		name    string
		a, b, d uint64
		want    uint64
		wantErr error
	}{
		{"exact", 500, 1000, 1000, 500, nil},
		{"floors", 10, 1, 3, 3, nil},
		{"zero denominator yields zero", 123, 456, 0, 0, nil},
		{"wide intermediate", math.MaxUint64, math.MaxUint64, math.MaxUint64, math.MaxUint64, nil},
		{"overflowing quotient", math.MaxUint64, 2, 1, 0, domain.ErrOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MulDiv(tt.a, tt.b, tt.d)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyBps(t *testing.T) {
	fee, err := ApplyBps(200, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), fee)

	fee, err = ApplyBps(199, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(19), fee, "fees truncate")

	fee, err = ApplyBps(777, domain.MaxBps)
	require.NoError(t, err)
	assert.Equal(t, uint64(777), fee)
}

func TestMulDiv3(t *testing.T) {
	// 50 bps/day on 1_000_000 held for two days.
	got, err := MulDiv3(50, 1_000_000, 2*86_400, domain.MaxBps*domain.SecondsPerDay)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), got)

	got, err = MulDiv3(math.MaxUint64, math.MaxUint64, 2, 4)
	require.Error(t, err)
	assert.Zero(t, got)
}

func TestAddSub(t *testing.T) {
	_, err := Add(math.MaxUint64, 1)
	assert.ErrorIs(t, err, domain.ErrOverflow)

	s, err := Add(1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), s)

	_, err = Sub(1, 2)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	d, err := Sub(5, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), d)
}
