package chunkcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shfs/chunkcache/internal/aiotoken"
	"github.com/shfs/chunkcache/internal/blockio"
)

func newTestEngine(t *testing.T, poolSize int, readahead int) (*Engine, *blockio.SimDevice) {
	t.Helper()
	dev, err := blockio.NewSimDevice(4096, 64)
	require.NoError(t, err)

	eng, err := Mount(dev, Config{
		ChunkSize:        4096,
		VolumeSizeChunks: 64,
		PoolNumBuffers:   poolSize,
		TokenPoolSize:    16,
		ReadaheadWindow:  readahead,
	})
	require.NoError(t, err)
	return eng, dev
}

func TestColdHitAfterCompletion(t *testing.T) {
	eng, dev := newTestEngine(t, 4, 0)

	status, ent, tok, err := eng.Aread(7, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)

	dev.Poll()
	assert.False(t, tok.InFlight, "token should be finalized after completion")

	status2, ent2, tok2, err := eng.Aread(7, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, status2)
	assert.Same(t, ent, ent2)
	assert.Nil(t, tok2)

	require.NoError(t, eng.Release(ent2))
	require.NoError(t, eng.Release(ent))
}

func TestFanOutThreeWaitersSameOrder(t *testing.T) {
	eng, dev := newTestEngine(t, 4, 0)

	var order []int
	mkcb := func(id int) aiotoken.Callback {
		return func(tok *aiotoken.Token) { order = append(order, id) }
	}

	s1, e1, t1, err := eng.Aread(9, mkcb(1), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, s1)

	s2, e2, t2, err := eng.Aread(9, mkcb(2), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, s2)

	s3, e3, t3, err := eng.Aread(9, mkcb(3), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, s3)

	assert.Same(t, e1, e2)
	assert.Same(t, e2, e3)
	assert.NotSame(t, t1, t2)
	assert.NotSame(t, t2, t3)

	dev.Poll()

	assert.Equal(t, []int{1, 2, 3}, order)

	require.NoError(t, eng.Release(e1))
	require.NoError(t, eng.Release(e2))
	require.NoError(t, eng.Release(e3))
}

func TestFailureFanOut(t *testing.T) {
	eng, dev := newTestEngine(t, 4, 0)
	dev.FailAddrs[9] = true

	var rets []int64
	cb := func(tok *aiotoken.Token) { rets = append(rets, tok.Ret) }

	_, e1, _, err := eng.Aread(9, cb, nil, nil)
	require.NoError(t, err)
	_, e2, _, err := eng.Aread(9, cb, nil, nil)
	require.NoError(t, err)
	_, e3, _, err := eng.Aread(9, cb, nil, nil)
	require.NoError(t, err)

	dev.Poll()

	require.Len(t, rets, 3)
	for _, r := range rets {
		assert.Less(t, r, int64(0))
	}

	require.NoError(t, eng.Release(e1))
	require.NoError(t, eng.Release(e2))
	assert.NoError(t, eng.Release(e3), "final release of a failed entry should destroy it cleanly")
}

func TestLRUEvictionRecyclesOldestIdleEntry(t *testing.T) {
	eng, dev := newTestEngine(t, 2, 0)

	_, e1, _, err := eng.Aread(1, nil, nil, nil)
	require.NoError(t, err)
	dev.Poll()
	require.NoError(t, eng.Release(e1))

	_, e2, _, err := eng.Aread(2, nil, nil, nil)
	require.NoError(t, err)
	dev.Poll()
	require.NoError(t, eng.Release(e2))

	_, e3, t3, err := eng.Aread(3, nil, nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, e3.Addr(), "recycled entry should now carry the new address")
	dev.Poll()

	status, e2again, _, err := eng.Aread(2, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, status, "addr 2 should remain cached")
	eng.Release(e2again)

	if t3 != nil {
		dev.Poll()
	}
	eng.Release(e3)
}

func TestAbortSuppressesCallback(t *testing.T) {
	eng, dev := newTestEngine(t, 4, 0)

	called := false
	_, ent0, _, err := eng.Aread(11, nil, nil, nil)
	require.NoError(t, err)

	_, ent, tok, err := eng.Aread(11, func(*aiotoken.Token) { called = true }, nil, nil)
	require.NoError(t, err)
	assert.Same(t, ent0, ent)

	require.NoError(t, eng.ReleaseIOAbort(ent, tok))

	dev.Poll()
	assert.False(t, called, "aborted waiter's callback must not fire")

	require.NoError(t, eng.Release(ent0))
}

func TestSoleWaiterAbortThenCompletionRejoinsAvailabilityList(t *testing.T) {
	eng, dev := newTestEngine(t, 2, 0)

	_, ent, tok, err := eng.Aread(11, nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, eng.ReleaseIOAbort(ent, tok), "the only referencer abandons the in-flight fetch")
	dev.Poll()

	assert.Zero(t, ent.refcnt)
	assert.Same(t, ent, eng.idx.availHead, "entry must rejoin the availability list once its completion fires, not leak out of LRU rotation")

	// Confirm it is genuinely reusable: exhaust the remaining pool slot and
	// request a third address, which should recycle the abandoned entry
	// instead of returning EAGAIN.
	_, e2, _, err := eng.Aread(2, nil, nil, nil)
	require.NoError(t, err)

	status, e3, _, err := eng.Aread(3, nil, nil, nil)
	require.NoError(t, err, "the abandoned idle entry should be recycled")
	assert.Equal(t, StatusPending, status)
	assert.EqualValues(t, 3, e3.Addr())

	dev.Poll()
	require.NoError(t, eng.Release(e2))
	require.NoError(t, eng.Release(e3))
}

func TestInvalidAddressRange(t *testing.T) {
	eng, _ := newTestEngine(t, 4, 0)
	_, _, _, err := eng.Aread(0, nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidAddr)

	_, _, _, err = eng.Aread(65, nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidAddr)
}

func TestEblankRoundTripLeavesPoolCountsUnchanged(t *testing.T) {
	eng, _ := newTestEngine(t, 4, 0)
	before := eng.pool.FreeCount()

	e, err := eng.Eblank()
	require.NoError(t, err)
	assert.EqualValues(t, 0, e.Addr())

	require.NoError(t, eng.Release(e))
	assert.Equal(t, before, eng.pool.FreeCount())
}

func TestReadaheadWindowDoesNotCrossVolumeEnd(t *testing.T) {
	eng, dev := newTestEngine(t, 8, 4)
	_, ent, _, err := eng.Aread(63, nil, nil, nil)
	require.NoError(t, err)
	dev.Poll()

	assert.Nil(t, eng.idx.find(65), "readahead must not allocate entries past the volume end")
	assert.Nil(t, eng.idx.find(66))

	eng.Release(ent)
}

func TestPoolExhaustionWithNoIdleEntryReturnsEAgain(t *testing.T) {
	eng, dev := newTestEngine(t, 2, 0)

	_, e1, _, err := eng.Aread(1, nil, nil, nil)
	require.NoError(t, err)
	_, e2, _, err := eng.Aread(2, nil, nil, nil)
	require.NoError(t, err)

	_, _, _, err = eng.Aread(3, nil, nil, nil)
	assert.ErrorIs(t, err, ErrAgain, "pool exhausted with every entry referenced must return EAGAIN, not recycle")

	dev.Poll()
	require.NoError(t, eng.Release(e1))
	require.NoError(t, eng.Release(e2))
}

func TestPoolExhaustionRecyclesSoleIdleEntry(t *testing.T) {
	eng, dev := newTestEngine(t, 2, 0)

	_, e1, _, err := eng.Aread(1, nil, nil, nil)
	require.NoError(t, err)
	dev.Poll()
	require.NoError(t, eng.Release(e1), "addr 1 now idle on the availability list")

	_, e2, _, err := eng.Aread(2, nil, nil, nil)
	require.NoError(t, err)

	status, e3, _, err := eng.Aread(3, nil, nil, nil)
	require.NoError(t, err, "the sole idle entry should be recycled instead of EAGAIN")
	assert.Equal(t, StatusPending, status)
	assert.EqualValues(t, 3, e3.Addr())

	dev.Poll()
	require.NoError(t, eng.Release(e2))
	require.NoError(t, eng.Release(e3))
}
