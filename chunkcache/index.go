package chunkcache

// index is the Cache Index of spec.md §4.5: an open-addressing-free hash
// table of collision lists, plus a global LRU-ordered availability list.
// Grounded on moneytech/minicache's htable.c bucket-chain layout, sized per
// spec.md §3's H = 2^k, k = floor(log2(expected_entries/target_chain_length))
// rule, with bucket index addr & (H-1).
type index struct {
	buckets []*Entry // chain heads, collision lists threaded via bucketPrev/Next
	mask    uint64

	availHead, availTail *Entry // LRU: head oldest, tail newest
}

const targetChainLength = 4

// newIndex builds a hash table sized for expectedEntries at the spec's
// target chain length: H = 2^k, k = floor(log2(expectedEntries /
// targetChainLength)), i.e. the largest power of two not exceeding the
// target (spec.md §3), never less than 1.
func newIndex(expectedEntries int) *index {
	target := expectedEntries / targetChainLength
	h := 1
	for h*2 <= target {
		h <<= 1
	}
	return &index{buckets: make([]*Entry, h), mask: uint64(h) - 1}
}

func (x *index) bucketFor(addr uint64) int { return int(addr & x.mask) }

// find scans the bucket for addr, returning nil on miss.
func (x *index) find(addr uint64) *Entry {
	for e := x.buckets[x.bucketFor(addr)]; e != nil; e = e.bucketNext {
		if e.addr == addr {
			return e
		}
	}
	return nil
}

// link appends e to its bucket's collision list. Invariant 1 (spec.md §3):
// only called for addr != 0.
func (x *index) link(e *Entry) {
	b := x.bucketFor(e.addr)
	e.bucketPrev, e.bucketNext = nil, nil
	if x.buckets[b] == nil {
		x.buckets[b] = e
	} else {
		last := x.buckets[b]
		for last.bucketNext != nil {
			last = last.bucketNext
		}
		last.bucketNext = e
		e.bucketPrev = last
	}
	e.inBucket = true
}

// unlink detaches e from its bucket's collision list. No-op if e is not
// currently linked.
func (x *index) unlink(e *Entry) {
	if !e.inBucket {
		return
	}
	b := x.bucketFor(e.addr)
	if e.bucketPrev != nil {
		e.bucketPrev.bucketNext = e.bucketNext
	} else {
		x.buckets[b] = e.bucketNext
	}
	if e.bucketNext != nil {
		e.bucketNext.bucketPrev = e.bucketPrev
	}
	e.bucketPrev, e.bucketNext, e.inBucket = nil, nil, false
}

// pushAvailTail appends e to the most-recently-used end of the availability
// list (the relink_tail primitive of spec.md §4.5).
func (x *index) pushAvailTail(e *Entry) {
	if e.inAvail {
		x.removeAvail(e)
	}
	e.availPrev, e.availNext = x.availTail, nil
	if x.availTail != nil {
		x.availTail.availNext = e
	} else {
		x.availHead = e
	}
	x.availTail = e
	e.inAvail = true
}

// removeAvail detaches e from the availability list without destroying it.
func (x *index) removeAvail(e *Entry) {
	if !e.inAvail {
		return
	}
	if e.availPrev != nil {
		e.availPrev.availNext = e.availNext
	} else {
		x.availHead = e.availNext
	}
	if e.availNext != nil {
		e.availNext.availPrev = e.availPrev
	} else {
		x.availTail = e.availPrev
	}
	e.availPrev, e.availNext, e.inAvail = nil, nil, false
}

// firstIdle scans the availability list front-to-back (oldest first) for an
// entry with no outstanding I/O, the miss-path and eblank reuse scan of
// spec.md §4.6.
func (x *index) firstIdle() *Entry {
	for e := x.availHead; e != nil; e = e.availNext {
		if e.inFlight == nil {
			return e
		}
	}
	return nil
}
