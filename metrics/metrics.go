// Package metrics defines the observability hooks of the read-ahead engine.
//
// Metrics collection is optional. The engine calls a Metrics implementation at
// each interesting point; Nop discards everything.
package metrics

import "time"

// Metrics receives engine events.
//
// Implementations must be safe for concurrent use: the worker and any number
// of reading goroutines call them.
type Metrics interface {
	// ObserveCacheLookup records a block cache lookup by the worker.
	ObserveCacheLookup(hit bool)

	// ObserveOriginRead records an origin read of n bytes. fallback is true for
	// reads issued directly by a reader rather than by the worker.
	ObserveOriginRead(n int, d time.Duration, err error, fallback bool)

	// ObserveWait records time a reader spent blocked waiting for the worker.
	ObserveWait(d time.Duration)

	// ObserveQueueDepth records the number of blocks waiting to be fetched.
	ObserveQueueDepth(n int)
}

// Nop is a Metrics that discards every event.
type Nop struct{}

func (Nop) ObserveCacheLookup(bool)                           {}
func (Nop) ObserveOriginRead(int, time.Duration, error, bool) {}
func (Nop) ObserveWait(time.Duration)                         {}
func (Nop) ObserveQueueDepth(int)                             {}
