package sizing

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTest = errors.New("overflow")

func TestRounding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		offset    uint64
		alignment uint64
		down      uint64
		up        uint64
	}{
		{name: "zero", offset: 0, alignment: 8192, down: 0, up: 0},
		{name: "aligned", offset: 16384, alignment: 8192, down: 16384, up: 16384},
		{name: "inside block", offset: 8193, alignment: 8192, down: 8192, up: 16384},
		{name: "one below", offset: 8191, alignment: 8192, down: 0, up: 8192},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.down, RoundDown(tc.offset, tc.alignment))
			up, ok := RoundUp(tc.offset, tc.alignment)
			require.True(t, ok)
			assert.Equal(t, tc.up, up)
		})
	}
}

func TestRoundUpOverflow(t *testing.T) {
	t.Parallel()
	_, ok := RoundUp(math.MaxUint64-1, 4096)
	assert.False(t, ok)
}

func TestDivCeil(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint64(0), DivCeil(0, 4))
	assert.Equal(t, uint64(1), DivCeil(1, 4))
	assert.Equal(t, uint64(1), DivCeil(4, 4))
	assert.Equal(t, uint64(2), DivCeil(5, 4))
}

func TestToInt(t *testing.T) {
	t.Parallel()
	n, err := ToInt(42, errTest)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = ToInt(math.MaxUint64, errTest)
	require.ErrorIs(t, err, errTest)

	_, err = ToInt64(math.MaxUint64, errTest)
	require.ErrorIs(t, err, errTest)
}
