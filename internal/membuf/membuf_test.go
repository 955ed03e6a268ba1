package membuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() Config {
	return Config{
		NumBuffers: 4,
		ChunkSize:  4096,
		Align:      512,
		Layout:     LayoutInterleaved,
	}
}

func TestPickPutRoundTrip(t *testing.T) {
	p, err := New(baseConfig())
	require.NoError(t, err)
	assert.Equal(t, 4, p.FreeCount())
	assert.Equal(t, 4, p.Total())

	o := p.Pick()
	require.NotNil(t, o)
	assert.Len(t, o.Data(), 4096)
	assert.Equal(t, 3, p.FreeCount())

	p.Put(o)
	assert.Equal(t, 4, p.FreeCount())
	assert.NoError(t, p.Close())
}

func TestExhaustionWithoutOverflowReturnsNil(t *testing.T) {
	p, err := New(baseConfig())
	require.NoError(t, err)

	var picked []*Obj
	for i := 0; i < 4; i++ {
		o := p.Pick()
		require.NotNilf(t, o, "pick %d should have succeeded", i)
		picked = append(picked, o)
	}
	assert.Nil(t, p.Pick(), "expected EAGAIN-equivalent nil on exhausted pool")

	for _, o := range picked {
		p.Put(o)
	}
}

func TestOverflowAllocatesHeapObjectWhenPermitted(t *testing.T) {
	cfg := baseConfig()
	cfg.NumBuffers = 1
	cfg.OverflowEnabled = true
	cfg.OverflowThresholdBytes = 100
	cfg.FreeMem = func() uint64 { return 1 << 30 }
	p, err := New(cfg)
	require.NoError(t, err)

	base := p.Pick()
	require.NotNil(t, base)
	assert.False(t, base.IsOverflow())

	over := p.Pick()
	require.NotNil(t, over)
	assert.True(t, over.IsOverflow())
	assert.Equal(t, 1, p.OverflowCount())

	p.Put(over)
	assert.Equal(t, 0, p.OverflowCount())
	p.Put(base)
}

func TestOverflowRefusedBelowThreshold(t *testing.T) {
	cfg := baseConfig()
	cfg.NumBuffers = 1
	cfg.OverflowEnabled = true
	cfg.OverflowThresholdBytes = 1 << 30
	cfg.FreeMem = func() uint64 { return 1 << 20 }
	p, err := New(cfg)
	require.NoError(t, err)

	base := p.Pick()
	require.NotNil(t, base)
	assert.Nil(t, p.Pick(), "overflow should be refused below the free-memory threshold")
	p.Put(base)
}

func TestCloseWithLiveObjectsFails(t *testing.T) {
	p, err := New(baseConfig())
	require.NoError(t, err)

	o := p.Pick()
	assert.ErrorIs(t, p.Close(), ErrPoolBusy)
	p.Put(o)
}

func TestSeparatedLayoutAlignment(t *testing.T) {
	cfg := baseConfig()
	cfg.Layout = LayoutSeparated
	cfg.Headroom = 16
	cfg.Tailroom = 8
	p, err := New(cfg)
	require.NoError(t, err)

	o := p.Pick()
	require.NotNil(t, o)
	assert.Len(t, o.Data(), cfg.ChunkSize)
	p.Put(o)
}
