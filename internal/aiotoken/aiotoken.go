// Package aiotoken implements the AIO Token Pool component of spec.md §4.2:
// a small pool of completion tokens {callback, cookie, argp, ret, in_flight,
// prev, next} that can be chained into a per-entry waiter list. It is
// grounded on moneytech/minicache's shfs_cache.c, where a single
// SHFS_AIO_TOKEN type plays both roles spec.md separates conceptually: the
// in-flight handle driving a chunk's fetch (cce->t) and the waiter tokens
// chained onto cce->aio_chain for callers that joined an already-pending
// fetch. The free-ring backing this pool is internal/ring, the same
// primitive internal/membuf uses for buffer slots.
package aiotoken

import (
	"sync"

	"github.com/shfs/chunkcache/internal/ring"
)

// Callback is invoked exactly once when a token's I/O completes.
type Callback func(t *Token)

// Token is a completion handle. Cache callers never construct one directly;
// they draw from a Pool via Pick.
type Token struct {
	Callback Callback
	Cookie   interface{}
	Argp     interface{}
	Ret      int64
	InFlight bool

	// Handle is the opaque device-side request handle set by whichever
	// blockio.Device submitted this token's read, used for IsDone/Poll.
	Handle interface{}

	prev, next *Token
	chained    bool
}

// Finalize reads Ret, clears InFlight, and returns the value — mirroring
// shfs_aio_finalize's read-then-clear contract.
func (t *Token) Finalize() int64 {
	ret := t.Ret
	t.InFlight = false
	return ret
}

// Pool is a fixed-count allocator of Tokens.
type Pool struct {
	mu   sync.Mutex
	free *ring.Ring[*Token]
}

// NewPool builds a pool of n tokens.
func NewPool(n int) *Pool {
	p := &Pool{free: ring.New[*Token](n)}
	for i := 0; i < n; i++ {
		p.free.Push(&Token{})
	}
	return p
}

// Pick dequeues a token already marked in-flight, per spec.md §4.2
// ("pick() returns a token already marked in-flight"). Returns nil when the
// pool is exhausted (EAGAIN upstream).
func (p *Pool) Pick() *Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.free.Pop()
	if !ok {
		return nil
	}
	t.Callback = nil
	t.Cookie = nil
	t.Argp = nil
	t.Ret = 0
	t.Handle = nil
	t.InFlight = true
	t.prev, t.next, t.chained = nil, nil, false
	return t
}

// Put returns a token to the pool.
func (p *Pool) Put(t *Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free.Push(t)
}

// Cap returns the pool's fixed token capacity.
func (p *Pool) Cap() int { return p.free.Cap() }

// Free returns the number of tokens currently available.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free.Len()
}

// Chain is the doubly-linked FIFO waiter list attached to a Cache Entry
// (spec.md's waiter_chain): tokens registered by callers that observed an
// in-progress fetch, notified in registration order on completion.
type Chain struct {
	first, last *Token
}

// Empty reports whether the chain has no waiters.
func (c *Chain) Empty() bool { return c.first == nil }

// Append adds t to the tail of the chain.
func (c *Chain) Append(t *Token) {
	t.chained = true
	t.prev, t.next = c.last, nil
	if c.last != nil {
		c.last.next = t
	} else {
		c.first = t
	}
	c.last = t
}

// Remove detaches t from the chain, reporting whether it was present.
// Used by release_ioabort (spec.md §4.6) to withdraw an abandoned waiter.
func (c *Chain) Remove(t *Token) bool {
	if !t.chained {
		return false
	}
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		c.first = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else {
		c.last = t.prev
	}
	t.prev, t.next, t.chained = nil, nil, false
	return true
}

// Drain detaches every waiter in FIFO registration order and clears the
// chain, for the completion callback's fan-out (spec.md §4.6).
func (c *Chain) Drain() []*Token {
	var out []*Token
	for t := c.first; t != nil; {
		next := t.next
		t.prev, t.next, t.chained = nil, nil, false
		out = append(out, t)
		t = next
	}
	c.first, c.last = nil, nil
	return out
}
