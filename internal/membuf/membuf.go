// Package membuf implements the Memory Pool component of spec.md §4.1: a
// fixed-count allocator of equally sized buffer slots, each shaped as
// {headroom, data, tailroom}, backed by a free-object ring (internal/ring).
// Every allocation starts on a configured alignment boundary; a slot's data
// region lands on that boundary only when Headroom is a multiple of it (and,
// in LayoutSeparated, when the whole slot size is too). It is grounded on
// moneytech/minicache's mempool.c (alloc_enhanced_mempool, the
// interleaved-vs-separated header/data layout, the free-ring-backed
// pick/put pair) and on the teacher's BufferPool.getFreePage/freePages
// free-list bookkeeping.
//
// When OverflowEnabled is set, Pick falls back to individually heap-allocated
// slots once the fixed pool is exhausted, refusing the overflow only when
// FreeMem reports less than OverflowThresholdBytes available (spec.md §6's
// GROW / GROW_THRESHOLD knobs).
package membuf

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/shfs/chunkcache/internal/ring"
)

// Layout selects how a slot's private header relates to its data region.
type Layout int

const (
	// LayoutInterleaved gives each slot its own aligned allocation, the
	// counterpart of mempool.c's default layout; the slot's private header
	// is its Obj struct, not bytes stored in front of the data.
	LayoutInterleaved Layout = iota
	// LayoutSeparated carves every slot out of one shared aligned data
	// allocation (mempool.c's "enhanced" layout); headers are again the Obj
	// structs.
	LayoutSeparated
)

// ErrPoolBusy is returned by Close when live (picked) objects remain.
var ErrPoolBusy = errors.New("membuf: close called with objects still in use")

// Config configures a Pool. NumBuffers==0 with OverflowEnabled makes the
// pool heap-only, per spec.md §6 (POOL_NB_BUFFERS == 0 ⇒ heap-only).
type Config struct {
	NumBuffers int
	ChunkSize  int
	Align      int
	Layout     Layout
	Headroom   int
	Tailroom   int

	OverflowEnabled        bool
	OverflowThresholdBytes uint64
	// FreeMem reports currently available system memory in bytes. Required
	// when OverflowEnabled is set; callers typically wire this to
	// gopsutil's mem.VirtualMemory().Available.
	FreeMem func() uint64
}

// Obj is a handle to one buffer slot: either a pool-owned slot (Index()>=0)
// or an individually heap-allocated overflow slot (Index()<0).
type Obj struct {
	index           int
	region          []byte
	headroom        int
	tailroom        int
	overflowTracked bool
}

// Index returns the pool slot number backing this object, or -1 for a
// heap-overflow object (spec.md's Cache Entry.pool_obj == null case).
func (o *Obj) Index() int { return o.index }

// IsOverflow reports whether this object was heap-allocated rather than
// drawn from the fixed pool.
func (o *Obj) IsOverflow() bool { return o.index < 0 }

// Data returns the slot's data region (chunksize bytes), excluding
// headroom/tailroom. Its alignment is as described in the package doc.
func (o *Obj) Data() []byte {
	return o.region[o.headroom : len(o.region)-o.tailroom]
}

// Pool is a fixed-count allocator of equally shaped buffer slots.
type Pool struct {
	mu   sync.Mutex
	cfg  Config
	objs []*Obj
	free *ring.Ring[*Obj]

	// backing storage: for LayoutInterleaved, storage[i] is slot i's own
	// allocation (NumBuffers allocations); for LayoutSeparated, storage[0]
	// is the one allocation all slots are carved from. Either way each
	// Obj.region points into this storage.
	storage [][]byte

	picked        int
	overflowCount int
}

// New builds a pool of cfg.NumBuffers slots, each chunkSize+headroom+tailroom
// bytes, with each allocation starting on a cfg.Align boundary.
func New(cfg Config) (*Pool, error) {
	if cfg.OverflowEnabled && cfg.FreeMem == nil {
		return nil, errors.New("membuf: OverflowEnabled requires FreeMem")
	}
	slotSize := cfg.Headroom + cfg.ChunkSize + cfg.Tailroom

	p := &Pool{cfg: cfg, free: ring.New[*Obj](cfg.NumBuffers)}
	if cfg.NumBuffers == 0 {
		return p, nil
	}

	switch cfg.Layout {
	case LayoutSeparated:
		// One region for all slot data, aligned once; slot i starts
		// i*slotSize bytes in, so its data is aligned only when slotSize
		// and Headroom are multiples of cfg.Align. Headers tracked purely in the Go Obj structs (no separate header
		// allocation needed in a GC'd language — the "private header" the
		// original keeps beside the data is just the Obj itself).
		data := alignedAlloc(cfg.NumBuffers*slotSize, cfg.Align)
		p.storage = [][]byte{data}
		p.objs = make([]*Obj, cfg.NumBuffers)
		for i := 0; i < cfg.NumBuffers; i++ {
			region := data[i*slotSize : (i+1)*slotSize]
			o := &Obj{index: i, region: region, headroom: cfg.Headroom, tailroom: cfg.Tailroom}
			p.objs[i] = o
			p.free.Push(o)
		}
	default: // LayoutInterleaved
		// Each slot gets its own alignment-rounded allocation; the "header"
		// again collapses into the Obj struct itself.
		p.objs = make([]*Obj, cfg.NumBuffers)
		p.storage = make([][]byte, cfg.NumBuffers)
		for i := 0; i < cfg.NumBuffers; i++ {
			region := alignedAlloc(slotSize, cfg.Align)
			p.storage[i] = region
			o := &Obj{index: i, region: region, headroom: cfg.Headroom, tailroom: cfg.Tailroom}
			p.objs[i] = o
			p.free.Push(o)
		}
	}
	return p, nil
}

// Pick dequeues a free object, or allocates a heap-overflow object if the
// pool is exhausted and overflow is enabled and permitted by the free-memory
// threshold. Returns nil when no object can be produced (signals EAGAIN to
// the cache engine, per spec.md §4.6 step 2).
func (p *Pool) Pick() *Obj {
	p.mu.Lock()
	defer p.mu.Unlock()

	if o, ok := p.free.Pop(); ok {
		p.picked++
		return o
	}
	if !p.cfg.OverflowEnabled {
		return nil
	}
	if p.cfg.FreeMem() < p.cfg.OverflowThresholdBytes {
		return nil
	}
	slotSize := p.cfg.Headroom + p.cfg.ChunkSize + p.cfg.Tailroom
	region := alignedAlloc(slotSize, p.cfg.Align)
	p.overflowCount++
	p.picked++
	return &Obj{index: -1, region: region, headroom: p.cfg.Headroom, tailroom: p.cfg.Tailroom, overflowTracked: true}
}

// Put returns an object to the pool (or, for an overflow object, drops it
// for the garbage collector to reclaim).
func (p *Pool) Put(o *Obj) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.picked--
	if o.overflowTracked {
		p.overflowCount--
		return
	}
	p.free.Push(o)
}

// FreeCount returns the number of pool slots currently available.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free.Len()
}

// Total returns the fixed pool size (excludes heap-overflow objects; see
// DESIGN.md's Open Question on overflow accounting).
func (p *Pool) Total() int { return p.cfg.NumBuffers }

// OverflowCount returns the number of heap-overflow objects currently live.
func (p *Pool) OverflowCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overflowCount
}

// Close releases the pool. It is a programming error to close a pool with
// objects still picked out, matching mempool.c's ASSERT(free_count==total)
// on teardown.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.free.Len() != p.cfg.NumBuffers || p.overflowCount != 0 {
		return ErrPoolBusy
	}
	return nil
}

// alignedAlloc returns a size-byte slice whose first element is aligned to
// align bytes. align must be a power of two; align<=1 skips the rounding.
func alignedAlloc(size, align int) []byte {
	if align <= 1 {
		return make([]byte, size)
	}
	buf := make([]byte, size+align-1)
	off := alignmentOffset(buf, align)
	return buf[off : off+size : off+size]
}

func alignmentOffset(buf []byte, align int) int {
	if len(buf) == 0 {
		return 0
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))
	rem := int(addr) & (align - 1)
	if rem == 0 {
		return 0
	}
	return align - rem
}
