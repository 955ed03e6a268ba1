// Package cachestats provides an optional counters sink for the cache
// engine, grounded on moneytech/minicache's shfs_stats.c (per-mount hit,
// miss, and eviction tallies kept behind a compile-time STATS flag). Here
// the flag becomes a runtime interface: a nil Recorder (replaced by Nop at
// mount) or Nop costs nothing,
// and a real implementation can be wired to any metrics backend without the
// engine knowing about it.
package cachestats

// Recorder receives cache engine events. All methods must be cheap and
// non-blocking; the engine calls them while holding its internal lock.
type Recorder interface {
	Hit()
	Miss()
	Eviction()
	ReadaheadSubmit()
	ReadaheadFail()
	IOFailure()
	Overflow()
}

// Nop is a Recorder that discards every event, the default when a mount is
// built without an explicit Recorder.
type Nop struct{}

func (Nop) Hit()             {}
func (Nop) Miss()            {}
func (Nop) Eviction()        {}
func (Nop) ReadaheadSubmit() {}
func (Nop) ReadaheadFail()   {}
func (Nop) IOFailure()       {}
func (Nop) Overflow()        {}

// Counters is a simple in-process Recorder, useful for tests and the demo
// CLI's summary output.
type Counters struct {
	Hits             int64
	Misses           int64
	Evictions        int64
	ReadaheadSubmits int64
	ReadaheadFails   int64
	IOFailures       int64
	Overflows        int64
}

func (c *Counters) Hit()             { c.Hits++ }
func (c *Counters) Miss()            { c.Misses++ }
func (c *Counters) Eviction()        { c.Evictions++ }
func (c *Counters) ReadaheadSubmit() { c.ReadaheadSubmits++ }
func (c *Counters) ReadaheadFail()   { c.ReadaheadFails++ }
func (c *Counters) IOFailure()       { c.IOFailures++ }
func (c *Counters) Overflow()        { c.Overflows++ }
