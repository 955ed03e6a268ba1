package chunkcache

import (
	"github.com/shfs/chunkcache/internal/aiotoken"
	"github.com/shfs/chunkcache/internal/membuf"
)

// Entry is the Cache Entry of spec.md §3/§4.4: a buffer slot joined with an
// address, refcount, validity flag, in-flight token, and a chain of waiter
// tokens. Grounded on moneytech/minicache's struct shfs_cache_entry and on
// the teacher's buffer_pool frame bookkeeping (addr/refcount/dirty-like
// flags around a pinned page). Callers outside this package only ever see
// an *Entry returned from Engine.Aread/Eblank and pass it back into
// Release/ReleaseIOAbort; its fields are engine-private.
type Entry struct {
	buf     *membuf.Obj
	addr    uint64
	refcnt  int
	invalid bool

	inFlight *aiotoken.Token
	waiters  aiotoken.Chain

	// availability list linkage (LRU order, head oldest / tail newest).
	availPrev, availNext *Entry
	inAvail              bool

	// hash-bucket collision list linkage.
	bucketPrev, bucketNext *Entry
	inBucket               bool
}

// Buffer returns the chunk-sized data region backing this entry. Valid to
// read once the engine has returned the entry with StatusReady, or after a
// PENDING token's callback has fired.
func (e *Entry) Buffer() []byte { return e.buf.Data() }

// Addr returns the chunk address this entry currently represents, or 0 for
// a blank entry.
func (e *Entry) Addr() uint64 { return e.addr }
