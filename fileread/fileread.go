// Package fileread implements the File Read Adapter of spec.md §4.7: it
// translates a caller's (file, offset, length) request into a run of
// chunk-aligned sub-reads driven through a chunkcache.Engine, copying
// fetched bytes into the caller's buffer and releasing each entry as soon
// as it has been consumed.
//
// Grounded on moneytech/minicache's shfs_fio.c (shfs_fio_read's
// chunk-walking loop and its synchronous semaphore-wait variant) and on
// the teacher's page-at-a-time table scan pattern in server/innodb for the
// shape of "iterate fixed-size pages, copy out a sub-range, release".
package fileread

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/exp/constraints"
	"golang.org/x/sync/errgroup"

	"github.com/shfs/chunkcache/chunkcache"
	"github.com/shfs/chunkcache/internal/aiotoken"
)

// minInt returns the smaller of a and b, used to bound each chunk's copy
// length by whatever remains of both the chunk and the caller's request.
func minInt[T constraints.Integer](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// ErrInvalidRange is returned when offset+length exceeds the file's size.
var ErrInvalidRange = errors.New("fileread: byte range exceeds file size")

// File is an open handle onto a contiguous run of chunks within a mounted
// volume, addressed starting at baseChunk.
type File struct {
	engine    *chunkcache.Engine
	baseChunk uint64
	size      int64
}

// Open binds a file of the given size (bytes) to a chunk range starting at
// baseChunk on eng's volume. baseChunk corresponds to spec.md §4.7's
// file_base_chunk.
func Open(eng *chunkcache.Engine, baseChunk uint64, size int64) (*File, error) {
	if eng == nil {
		return nil, chunkcache.NewError("Open", chunkcache.ErrNoDevice)
	}
	return &File{engine: eng, baseChunk: baseChunk, size: size}, nil
}

// Size returns the file's declared byte length.
func (f *File) Size() int64 { return f.size }

// ReadAt implements spec.md §4.7's read loop: chunk-align the requested
// range, fetch (or wait for) each chunk through the engine, and copy the
// relevant sub-range into dst. It blocks the calling goroutine until every
// chunk has been fetched or ctx is cancelled.
func (f *File) ReadAt(ctx context.Context, dst []byte, offset int64) (int, error) {
	length := int64(len(dst))
	if offset < 0 || offset+length > f.size {
		return 0, ErrInvalidRange
	}
	if length == 0 {
		return 0, nil
	}

	chunkSize := int64(f.engine.ChunkSize())
	chunkOff := f.baseChunk + uint64(offset/chunkSize)
	byteOff := offset % chunkSize

	var written int
	remaining := length
	for remaining > 0 {
		entry, err := f.fetch(ctx, chunkOff)
		if err != nil {
			return written, err
		}

		n := minInt(chunkSize-byteOff, remaining)
		copy(dst[written:written+int(n)], entry.Buffer()[byteOff:int64(byteOff)+n])
		if err := f.engine.Release(entry); err != nil {
			return written, err
		}

		written += int(n)
		remaining -= n
		byteOff = 0
		chunkOff++
	}
	return written, nil
}

// fetch drives one chunkcache.Aread call to completion, synchronously
// waiting on a completion channel for the PENDING case — the "synchronous
// variant uses a semaphore" branch of spec.md §4.7.
func (f *File) fetch(ctx context.Context, addr uint64) (*chunkcache.Entry, error) {
	done := make(chan struct{})
	var cbErr error

	status, entry, tok, err := f.engine.Aread(addr, func(t *aiotoken.Token) {
		if t.Ret < 0 {
			cbErr = fmt.Errorf("fileread: chunk %d fetch failed with device error code %d", addr, t.Ret)
		}
		close(done)
	}, nil, nil)
	if err != nil {
		return nil, err
	}
	if status == chunkcache.StatusReady {
		return entry, nil
	}

	for {
		f.engine.Poll()
		select {
		case <-done:
			if cbErr != nil {
				f.engine.Release(entry)
				return nil, cbErr
			}
			return entry, nil
		case <-ctx.Done():
			f.engine.ReleaseIOAbort(entry, tok)
			return nil, ctx.Err()
		default:
			runtime.Gosched()
		}
	}
}

// WarmUp concurrently pre-fetches every chunk covering [offset, offset+length)
// without copying any bytes out, useful for priming the cache ahead of a
// batch of readers. Each chunk is requested and immediately released once
// ready, exercising the same dedup path concurrent readers would. The first
// goroutine to return an error cancels the rest via the shared group
// context.
func WarmUp(ctx context.Context, f *File, offset, length int64) error {
	if offset < 0 || offset+length > f.size {
		return ErrInvalidRange
	}
	if length == 0 {
		return nil
	}
	chunkSize := int64(f.engine.ChunkSize())
	first := f.baseChunk + uint64(offset/chunkSize)
	last := f.baseChunk + uint64((offset+length-1)/chunkSize)

	g, gctx := errgroup.WithContext(ctx)
	for addr := first; addr <= last; addr++ {
		addr := addr
		g.Go(func() error {
			entry, err := f.fetch(gctx, addr)
			if err != nil {
				return err
			}
			return f.engine.Release(entry)
		})
	}
	return g.Wait()
}
