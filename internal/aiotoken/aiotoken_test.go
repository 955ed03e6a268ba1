package aiotoken

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickMarksInFlightAndPutRecycles(t *testing.T) {
	p := NewPool(2)
	assert.Equal(t, 2, p.Free())

	a := p.Pick()
	require.NotNil(t, a)
	assert.True(t, a.InFlight)

	b := p.Pick()
	require.NotNil(t, b)
	assert.Nil(t, p.Pick(), "pool exhaustion should return nil")

	p.Put(a)
	assert.Equal(t, 1, p.Free())
	p.Put(b)
}

func TestFinalizeReadsAndClearsInFlight(t *testing.T) {
	p := NewPool(1)
	tok := p.Pick()
	tok.Ret = 42
	assert.Equal(t, int64(42), tok.Finalize())
	assert.False(t, tok.InFlight)
	p.Put(tok)
}

func TestChainFIFODrainOrder(t *testing.T) {
	p := NewPool(3)
	t1, t2, t3 := p.Pick(), p.Pick(), p.Pick()

	var c Chain
	assert.True(t, c.Empty())
	c.Append(t1)
	c.Append(t2)
	c.Append(t3)
	assert.False(t, c.Empty())

	drained := c.Drain()
	assert.Equal(t, []*Token{t1, t2, t3}, drained)
	assert.True(t, c.Empty())

	p.Put(t1)
	p.Put(t2)
	p.Put(t3)
}

func TestChainRemoveMiddle(t *testing.T) {
	p := NewPool(3)
	t1, t2, t3 := p.Pick(), p.Pick(), p.Pick()

	var c Chain
	c.Append(t1)
	c.Append(t2)
	c.Append(t3)

	assert.True(t, c.Remove(t2))
	assert.False(t, c.Remove(t2), "second remove of the same token should report absent")

	assert.Equal(t, []*Token{t1, t3}, c.Drain())

	p.Put(t1)
	p.Put(t2)
	p.Put(t3)
}
