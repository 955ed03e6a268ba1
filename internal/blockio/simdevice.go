package blockio

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// SimDevice is an in-memory stand-in for a real block device, used by tests
// and cmd/shfscachedemo. Chunk contents are stored zstd-compressed at rest
// (decompressed on read) so the demo exercises the same compression
// dependency a production on-disk chunk store would use.
type SimDevice struct {
	chunkSize int
	data      [][]byte // zstd-compressed chunk payloads, index 0 unused (chunk 0 reserved)

	mu      sync.Mutex
	pending []*simRequest

	// LatencyPolls delays completion by this many Poll() calls after
	// submission, simulating non-zero device latency. Zero means a request
	// completes on its very next Poll.
	LatencyPolls int

	// FailAddrs marks chunk addresses that should complete with a negative
	// ret instead of succeeding, for failure-path tests.
	FailAddrs map[uint64]bool

	enc *zstd.Encoder
	dec *zstd.Decoder
}

type simRequest struct {
	addr      uint64
	buf       []byte
	cb        CompletionFunc
	pollsLeft int
	done      bool
}

// NewSimDevice builds a simulated device over chunkCount chunks of
// chunkSize bytes, pre-populated with deterministic content so reads are
// verifiable in tests.
func NewSimDevice(chunkSize int, chunkCount uint64) (*SimDevice, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	d := &SimDevice{
		chunkSize: chunkSize,
		data:      make([][]byte, chunkCount+1),
		FailAddrs: make(map[uint64]bool),
		enc:       enc,
		dec:       dec,
	}
	for addr := uint64(1); addr <= chunkCount; addr++ {
		plain := make([]byte, chunkSize)
		fillChunk(plain, addr)
		d.data[addr] = d.enc.EncodeAll(plain, nil)
	}
	return d, nil
}

// fillChunk writes a deterministic, address-dependent byte pattern so tests
// can assert on fetched content.
func fillChunk(buf []byte, addr uint64) {
	for i := range buf {
		buf[i] = byte(addr) ^ byte(i)
	}
}

func (d *SimDevice) ChunkSize() int     { return d.chunkSize }
func (d *SimDevice) ChunkCount() uint64 { return uint64(len(d.data)) - 1 }

// AreadChunk enqueues a simulated read. It only records the request;
// decompression into buf and the callback both happen in complete(), once
// Poll finds the request's latency has elapsed.
func (d *SimDevice) AreadChunk(addr uint64, buf []byte, cb CompletionFunc) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if addr == 0 || addr >= uint64(len(d.data)) {
		return nil, ErrOutOfRange
	}
	req := &simRequest{addr: addr, buf: buf, cb: cb, pollsLeft: d.LatencyPolls}
	d.pending = append(d.pending, req)
	return req, nil
}

// Poll advances pending requests by one tick, firing callbacks for any that
// have reached zero remaining latency polls.
func (d *SimDevice) Poll() {
	d.mu.Lock()
	var ready []*simRequest
	remaining := d.pending[:0]
	for _, req := range d.pending {
		if req.pollsLeft > 0 {
			req.pollsLeft--
			remaining = append(remaining, req)
			continue
		}
		ready = append(ready, req)
	}
	d.pending = remaining
	d.mu.Unlock()

	for _, req := range ready {
		d.complete(req)
	}
}

func (d *SimDevice) complete(req *simRequest) {
	d.mu.Lock()
	fail := d.FailAddrs[req.addr]
	compressed := d.data[req.addr]
	d.mu.Unlock()

	req.done = true
	if fail {
		req.cb(-5)
		return
	}
	plain, err := d.dec.DecodeAll(compressed, nil)
	if err != nil {
		req.cb(-5)
		return
	}
	n := copy(req.buf, plain)
	req.cb(int64(n))
}

// IsDone reports whether h's request has completed.
func (d *SimDevice) IsDone(h Handle) bool {
	req, ok := h.(*simRequest)
	if !ok {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return req.done
}
