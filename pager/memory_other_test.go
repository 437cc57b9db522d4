//go:build !unix

package pager

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestView_MapIsDetached(t *testing.T) {
	t.Parallel()

	p := newTestPager(t)
	data := bytes.Repeat([]byte{0xab}, 2*testPageSize)
	_, region := newFake(t, p, data)
	v, err := region.NewView()
	require.NoError(t, err)
	defer v.Close()

	m, err := v.Map(context.Background())
	require.NoError(t, err)
	m[0] = 0

	buf := make([]byte, 1)
	_, err = v.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), buf[0])

	again, err := v.Map(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), again[0])
}
