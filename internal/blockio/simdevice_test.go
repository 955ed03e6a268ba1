package blockio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimDeviceReadsBackDeterministicContent(t *testing.T) {
	d, err := NewSimDevice(64, 4)
	require.NoError(t, err)

	buf := make([]byte, 64)
	var gotRet int64 = -999
	h, err := d.AreadChunk(2, buf, func(ret int64) { gotRet = ret })
	require.NoError(t, err)
	assert.False(t, d.IsDone(h), "should not be done before Poll")

	d.Poll()
	assert.True(t, d.IsDone(h))
	assert.EqualValues(t, 64, gotRet)

	want := make([]byte, 64)
	fillChunk(want, 2)
	assert.Equal(t, want, buf)
}

func TestSimDeviceOutOfRangeRejected(t *testing.T) {
	d, err := NewSimDevice(64, 4)
	require.NoError(t, err)

	_, err = d.AreadChunk(0, make([]byte, 64), func(int64) {})
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = d.AreadChunk(5, make([]byte, 64), func(int64) {})
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestSimDeviceLatencyDelaysCompletion(t *testing.T) {
	d, err := NewSimDevice(64, 1)
	require.NoError(t, err)
	d.LatencyPolls = 2

	done := false
	_, err = d.AreadChunk(1, make([]byte, 64), func(int64) { done = true })
	require.NoError(t, err)

	d.Poll()
	assert.False(t, done)
	d.Poll()
	assert.False(t, done)
	d.Poll()
	assert.True(t, done)
}

func TestSimDeviceFailureDeliversNegativeRet(t *testing.T) {
	d, err := NewSimDevice(64, 1)
	require.NoError(t, err)
	d.FailAddrs[1] = true

	var ret int64
	_, err = d.AreadChunk(1, make([]byte, 64), func(r int64) { ret = r })
	require.NoError(t, err)

	d.Poll()
	assert.Less(t, ret, int64(0))
}
