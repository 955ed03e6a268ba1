// Package chunkcache implements the Cache Engine of spec.md §4.6: the
// public surface (Aread, Release, ReleaseIOAbort, Eblank, Flush, Close)
// that encodes the in-flight I/O de-duplication, bounded read-ahead,
// LRU-biased eviction, and completion fan-out protocols sitting between a
// block device and higher-level readers such as fileread.File.
//
// Grounded on moneytech/minicache's shfs_cache.c (shfs_cache_aread,
// shfs_cache_release, shfs_cache_release_ioabort, shfs_cache_eblank,
// _cce_aiocb) for the protocol, and on the teacher's buffer_pool manager
// (server/innodb/buffer_pool) for the Go shape of a single-mutex-guarded
// pinned-buffer manager with an LRU list and a completion-driven unpin path.
package chunkcache

import (
	"fmt"
	"sync"

	"github.com/shfs/chunkcache/internal/aiotoken"
	"github.com/shfs/chunkcache/internal/blockio"
	"github.com/shfs/chunkcache/internal/cachestats"
	"github.com/shfs/chunkcache/internal/membuf"
	"github.com/shfs/chunkcache/logger"

	"github.com/sirupsen/logrus"
)

// Status is the outcome of Aread.
type Status int

const (
	// StatusReady means the entry's buffer is immediately readable: either
	// it was already valid, or its in-flight I/O had already completed by
	// the time Aread checked.
	StatusReady Status = iota
	// StatusPending means the caller must wait for the returned token's
	// callback before reading the entry's buffer.
	StatusPending
)

func (s Status) String() string {
	if s == StatusReady {
		return "READY"
	}
	return "PENDING"
}

// Config is the mount configuration consumed by the engine (spec.md §6).
type Config struct {
	ChunkSize       int
	IOAlign         int
	VolumeSizeChunks uint64
	ExpectedEntries int

	PoolNumBuffers int
	TokenPoolSize  int

	// ReadaheadWindow is the compile-time R of spec.md §4.6 step 4,
	// exposed here as runtime configuration per §9's "replace conditional
	// compilation with runtime configuration" guidance.
	ReadaheadWindow int

	OverflowEnabled        bool
	OverflowThresholdBytes uint64
	FreeMem                func() uint64

	PoolLayout membuf.Layout

	// Recorder receives cache events; defaults to cachestats.Nop{}.
	Recorder cachestats.Recorder

	// Logger receives structured diagnostics in the teacher's logrus
	// idiom; defaults to logrus.StandardLogger().
	Logger *logrus.Logger
}

// Engine is the Cache Engine. All exported methods are safe for concurrent
// use; spec.md §5's cooperative single-task model is realized here as one
// mutex guarding the index, pool, token pool, and referenced-entry counter,
// with waiter callbacks invoked after the lock is released so a callback
// may itself call back into the engine (e.g. Release) without deadlocking.
type Engine struct {
	mu sync.Mutex

	cfg    Config
	device blockio.Device
	pool   *membuf.Pool
	tokens *aiotoken.Pool
	idx    *index
	log    *logrus.Logger
	rec    cachestats.Recorder

	referenced int // entries with refcount > 0, per spec.md's "referenced-entry counter"
	mounted    bool
}

// Mount constructs an Engine bound to device, per spec.md §4's component
// wiring: memory pool, token pool, and index are all sized from cfg.
func Mount(device blockio.Device, cfg Config) (*Engine, error) {
	if cfg.ChunkSize <= 0 || cfg.VolumeSizeChunks == 0 {
		return nil, NewError("Mount", ErrNoMem)
	}
	if cfg.Recorder == nil {
		cfg.Recorder = cachestats.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.TokenPoolSize <= 0 {
		cfg.TokenPoolSize = cfg.PoolNumBuffers + cfg.ReadaheadWindow + 1
	}
	if cfg.ExpectedEntries <= 0 {
		cfg.ExpectedEntries = cfg.PoolNumBuffers
	}

	pool, err := membuf.New(membuf.Config{
		NumBuffers:             cfg.PoolNumBuffers,
		ChunkSize:              cfg.ChunkSize,
		Align:                  cfg.IOAlign,
		Layout:                 cfg.PoolLayout,
		OverflowEnabled:        cfg.OverflowEnabled,
		OverflowThresholdBytes: cfg.OverflowThresholdBytes,
		FreeMem:                cfg.FreeMem,
	})
	if err != nil {
		return nil, NewError("Mount", fmt.Errorf("%w: %v", ErrNoMem, err))
	}

	e := &Engine{
		cfg:     cfg,
		device:  device,
		pool:    pool,
		tokens:  aiotoken.NewPool(cfg.TokenPoolSize),
		idx:     newIndex(cfg.ExpectedEntries),
		log:     cfg.Logger,
		rec:     cfg.Recorder,
		mounted: true,
	}
	e.log.WithFields(logrus.Fields{
		"chunk_size":  cfg.ChunkSize,
		"volume_size": cfg.VolumeSizeChunks,
		"pool_size":   cfg.PoolNumBuffers,
		"readahead":   cfg.ReadaheadWindow,
	}).Info("chunkcache: mounted")
	return e, nil
}

func (e *Engine) validAddr(addr uint64) bool {
	return addr >= 1 && addr <= e.cfg.VolumeSizeChunks
}

// Aread implements spec.md §4.6's aread(addr, cb, cookie, argp). cb is
// invoked exactly once, from within a later Poll call, if and only if
// StatusPending is returned; cookie/argp are threaded through to cb's
// token for the caller's own bookkeeping (fileread passes nil for both and
// captures its completion channel in cb instead).
func (e *Engine) Aread(addr uint64, cb aiotoken.Callback, cookie, argp interface{}) (Status, *Entry, *aiotoken.Token, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.mounted {
		return 0, nil, nil, NewError("Aread", ErrNoDevice)
	}
	if !e.validAddr(addr) {
		return 0, nil, nil, NewError("Aread", ErrInvalidAddr)
	}

	ent, status, err := e.lookupOrMiss(addr, true)
	if err != nil {
		return 0, nil, nil, NewError("Aread", err)
	}

	e.bumpRef(ent)
	e.readahead(addr)

	if status == StatusReady {
		e.rec.Hit()
		return StatusReady, ent, nil, nil
	}

	tok := e.tokens.Pick()
	if tok == nil {
		e.unbumpRef(ent)
		return 0, nil, nil, NewError("Aread", ErrAgain)
	}
	tok.Callback = cb
	tok.Cookie = cookie
	tok.Argp = argp
	ent.waiters.Append(tok)
	e.rec.Miss()
	return StatusPending, ent, tok, nil
}

// lookupOrMiss implements steps 1-2 of spec.md §4.6's aread: find-or-miss,
// with demand indicating whether this is a demand fetch (true) or a
// read-ahead fetch (false, never bumps refcount or returns a waitable
// status to a caller).
func (e *Engine) lookupOrMiss(addr uint64, demand bool) (*Entry, Status, error) {
	if ent := e.idx.find(addr); ent != nil {
		if ent.inFlight != nil && !e.device.IsDone(ent.inFlight.Handle) {
			return ent, StatusPending, nil
		}
		return ent, StatusReady, nil
	}

	ent, err := e.acquireEntry()
	if err != nil {
		return nil, 0, err
	}

	ent.addr = addr
	ent.invalid = true
	buf := ent.data()
	tok := e.tokens.Pick()
	if tok == nil {
		e.discardEntry(ent)
		return nil, 0, ErrAgain
	}
	tok.Cookie = ent
	handle, err := e.device.AreadChunk(addr, buf, func(ret int64) { e.onCompletion(ent, tok, ret) })
	if err != nil {
		e.tokens.Put(tok)
		e.discardEntry(ent)
		if !demand {
			e.rec.ReadaheadFail()
		}
		return nil, 0, err
	}
	tok.Handle = handle
	ent.inFlight = tok
	e.idx.link(ent)
	e.idx.pushAvailTail(ent)

	if !demand {
		e.rec.ReadaheadSubmit()
	}
	return ent, StatusPending, nil
}

// acquireEntry picks a pool buffer, falling back to recycling the oldest
// idle (no in-flight I/O) entry on the availability list, per spec.md
// §4.6 step 2. Returns ErrAgain if neither is available.
func (e *Engine) acquireEntry() (*Entry, error) {
	if obj := e.pool.Pick(); obj != nil {
		if obj.IsOverflow() {
			e.rec.Overflow()
		}
		return &Entry{buf: obj}, nil
	}
	victim := e.idx.firstIdle()
	if victim == nil {
		return nil, ErrAgain
	}
	logger.WithChunk(e.log, victim.addr).Debug("chunkcache: evicting idle entry to satisfy a miss")
	e.idx.removeAvail(victim)
	e.idx.unlink(victim)
	e.rec.Eviction()
	victim.addr = 0
	victim.invalid = true
	victim.waiters = aiotoken.Chain{}
	return victim, nil
}

// discardEntry returns ent's resources without going through the
// availability list (used when a just-acquired entry fails to get an I/O
// submitted at all).
func (e *Engine) discardEntry(ent *Entry) {
	e.idx.unlink(ent)
	e.idx.removeAvail(ent)
	e.pool.Put(ent.buf)
}

// bumpRef implements spec.md §4.6 step 3.
func (e *Engine) bumpRef(ent *Entry) {
	if ent.refcnt == 0 {
		e.idx.removeAvail(ent)
		e.referenced++
	}
	ent.refcnt++
}

func (e *Engine) unbumpRef(ent *Entry) {
	ent.refcnt--
	if ent.refcnt == 0 {
		e.referenced--
		e.idx.pushAvailTail(ent)
	}
}

// readahead implements spec.md §4.6 step 4: for each of the next R chunk
// addresses, submit a miss-style fetch with no reference held and no
// caller notified, stopping at the first failure.
func (e *Engine) readahead(from uint64) {
	for i := 1; i <= e.cfg.ReadaheadWindow; i++ {
		next := from + uint64(i)
		if next > e.cfg.VolumeSizeChunks {
			break
		}
		if e.idx.find(next) != nil {
			continue
		}
		if _, _, err := e.lookupOrMiss(next, false); err != nil {
			break
		}
	}
}

// onCompletion is the internal completion callback of spec.md §4.6: reads
// ret via Finalize, clears in_flight_token, sets invalid, and fans out to
// waiters in FIFO registration order.
func (e *Engine) onCompletion(ent *Entry, tok *aiotoken.Token, ret int64) {
	e.mu.Lock()

	tok.Ret = ret
	tok.Finalize()
	ent.inFlight = nil
	ent.invalid = ret < 0
	if ret < 0 {
		e.rec.IOFailure()
		logger.WithChunk(e.log, ent.addr).Warnf("chunkcache: chunk fetch failed with ret=%d", ret)
	}

	if ret < 0 && ent.refcnt == 0 {
		e.idx.unlink(ent)
		e.idx.removeAvail(ent)
		e.pool.Put(ent.buf)
		e.mu.Unlock()
		e.tokens.Put(tok)
		return
	}

	// A waiter that abandoned ent via ReleaseIOAbort while this read was
	// still outstanding leaves refcnt at 0 without re-linking ent into the
	// availability list (Release's own logic for that is skipped while
	// in_flight != nil). On a successful completion with nobody left
	// holding a reference, ent is now idle and valid: it must become
	// visible to the eviction scan here, mirroring Release's zero-refcount
	// path, or it leaks out of LRU rotation permanently.
	if ent.refcnt == 0 {
		e.idx.pushAvailTail(ent)
	}

	waiters := ent.waiters.Drain()
	e.mu.Unlock()

	e.tokens.Put(tok)
	for _, w := range waiters {
		w.Ret = ret
		w.Finalize()
		if w.Callback != nil {
			w.Callback(w)
		}
		e.tokens.Put(w)
	}
}

// Release implements spec.md §4.6's release(entry): decrements refcount,
// and at zero either returns the entry to the availability tail (valid) or
// destroys it (invalid).
func (e *Engine) Release(ent *Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent.refcnt <= 0 {
		panic("chunkcache: release of entry with refcount 0")
	}
	if ent.inFlight != nil {
		panic("chunkcache: release of entry with in-flight I/O; use ReleaseIOAbort")
	}
	ent.refcnt--
	if ent.refcnt > 0 {
		return nil
	}
	e.referenced--
	if !ent.invalid {
		e.idx.pushAvailTail(ent)
		return nil
	}
	e.idx.unlink(ent)
	e.idx.removeAvail(ent)
	e.pool.Put(ent.buf)
	return nil
}

// ReleaseIOAbort implements spec.md §4.6's release_ioabort(entry, token):
// detaches token from the entry's waiter chain without invoking its
// callback, returns the token to the pool, then applies Release's logic.
func (e *Engine) ReleaseIOAbort(ent *Entry, tok *aiotoken.Token) error {
	e.mu.Lock()
	if tok != nil {
		ent.waiters.Remove(tok)
		e.tokens.Put(tok)
	}
	e.mu.Unlock()
	return e.releaseAfterAbort(ent)
}

// releaseAfterAbort applies release's decrement-and-dispose logic but
// tolerates ent.inFlight != nil (the abandoned entry's own fetch may still
// be outstanding for other waiters).
func (e *Engine) releaseAfterAbort(ent *Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent.refcnt <= 0 {
		panic("chunkcache: release_ioabort of entry with refcount 0")
	}
	ent.refcnt--
	if ent.refcnt > 0 {
		return nil
	}
	e.referenced--
	if ent.inFlight != nil {
		// Still fetching for someone else's sake (or pure read-ahead
		// now that this caller left); leave it off the availability
		// list until completion fires and reconciles refcnt==0 itself.
		return nil
	}
	if !ent.invalid {
		e.idx.pushAvailTail(ent)
		return nil
	}
	e.idx.unlink(ent)
	e.idx.removeAvail(ent)
	e.pool.Put(ent.buf)
	return nil
}

// Eblank implements spec.md §4.6's eblank(): a chunk-sized scratch buffer
// outside every list, addr=0, refcount=1 from birth.
func (e *Engine) Eblank() (*Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.mounted {
		return nil, NewError("Eblank", ErrNoDevice)
	}
	ent, err := e.acquireEntry()
	if err != nil {
		return nil, NewError("Eblank", err)
	}
	e.idx.unlink(ent)
	e.idx.removeAvail(ent)
	ent.addr = 0
	ent.invalid = true
	ent.refcnt = 1
	e.referenced++
	return ent, nil
}

// Flush implements spec.md §4.6's flush(): destroys every entry on the
// availability list, spin-polling outstanding I/O to completion first.
// Assumes no concurrent caller holds a reference (a quiescent mount).
func (e *Engine) Flush() {
	for {
		e.mu.Lock()
		ent := e.idx.availHead
		if ent == nil {
			e.mu.Unlock()
			return
		}
		if ent.inFlight != nil {
			ent.refcnt = 1 // prevent onCompletion's refcount==0 destroy path
			e.mu.Unlock()
			for {
				e.mu.Lock()
				done := ent.inFlight == nil
				e.mu.Unlock()
				if done {
					break
				}
				e.device.Poll()
			}
			e.mu.Lock()
			ent.refcnt = 0
		}
		e.idx.unlink(ent)
		e.idx.removeAvail(ent)
		e.pool.Put(ent.buf)
		e.mu.Unlock()
	}
}

// Close tears the engine down, flushing first, matching moneytech/minicache
// shfs_cache_close's unmount sequence.
func (e *Engine) Close() error {
	e.Flush()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.referenced != 0 {
		return fmt.Errorf("chunkcache: close with %d referenced entries outstanding", e.referenced)
	}
	if err := e.pool.Close(); err != nil {
		return err
	}
	e.mounted = false
	e.log.Info("chunkcache: unmounted")
	return nil
}

// Poll forwards to the underlying device's completion pump, the
// cooperative scheduler's "driver polling routine" of spec.md §5.
func (e *Engine) Poll() { e.device.Poll() }

// ChunkSize returns the mount's fixed chunk size in bytes.
func (e *Engine) ChunkSize() int { return e.cfg.ChunkSize }

// VolumeSizeChunks returns the mount's chunk count.
func (e *Engine) VolumeSizeChunks() uint64 { return e.cfg.VolumeSizeChunks }
