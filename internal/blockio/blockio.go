// Package blockio defines the Block I/O Port contract of spec.md §4.3 and
// §6: a non-blocking async-read submission interface the Cache Engine
// drives, plus a simulated in-memory Device for tests and the demo CLI.
// The interface shape is grounded on moneytech/minicache's shfs_fio.c
// (aread_chunk/poll/is_done around libaio-style completion callbacks); the
// simulated device's queued-completion bookkeeping borrows the
// request-queue idiom from the teacher's BufferPool I/O path, and its
// on-disk chunk store is grounded on the domain stack's zstd compression
// choice (klauspost/compress) for at-rest chunk bytes.
package blockio

import "errors"

// ErrOutOfRange is returned by Device implementations when a requested
// chunk address falls outside the backing volume.
var ErrOutOfRange = errors.New("blockio: chunk address out of range")

// CompletionFunc is invoked exactly once when a submitted read completes.
// ret is the byte count on success, or a negative error code.
type CompletionFunc func(ret int64)

// Device is the non-blocking async block-read contract the Cache Engine
// consumes (spec.md §4.3). Implementations must invoke cb exactly once per
// successful AreadChunk call, from whatever goroutine/loop drives Poll.
type Device interface {
	// AreadChunk enqueues an asynchronous read of one chunk at addr into
	// buf, returning an opaque handle usable with IsDone. cb fires exactly
	// once on completion. Returns an error only for synchronous submission
	// failures (e.g. an out-of-range address); transient exhaustion is a
	// concern of the caller's token/buffer pools, not of the device.
	AreadChunk(addr uint64, buf []byte, cb CompletionFunc) (Handle, error)

	// Poll advances the device's internal completion queue, invoking any
	// callbacks whose reads have finished. It is a no-op when nothing is
	// ready, safe to call from a single cooperative scheduling loop
	// (spec.md §5).
	Poll()

	// IsDone reports whether the read behind h has completed. It does not
	// itself invoke the callback; Poll is responsible for that.
	IsDone(h Handle) bool

	// ChunkSize and ChunkCount describe the volume geometry fixed at open
	// time (spec.md §6's sector_size/size_in_sectors analogues).
	ChunkSize() int
	ChunkCount() uint64
}

// Handle is an opaque, device-specific in-flight request reference. The
// cache engine never inspects it; it only threads it between AreadChunk,
// Poll, and IsDone calls via aiotoken.Token.Handle.
type Handle interface{}
