// Package waiter implements the cooperative Adaptive Waiter primitive used
// by the Connection Fabric's reader loop (spec.md §4.6).
package waiter

import (
	"runtime"
	"time"
)

// Adaptive is a reusable wait primitive configured with a yield budget and
// a fallback sleep duration. While traffic is steady, the reader loop calls
// Reset on every round that drained at least one message, which keeps Wait
// spin-yielding; once a round drains nothing, the budget is consumed and
// Wait falls back to sleeping, so an idle swarm does not burn CPU.
//
// Grounded on original_source/src/adaptative_wait.rs's AdaptativeWait,
// translated to Go's cooperative scheduler: thread::yield_now becomes
// runtime.Gosched, thread::sleep becomes time.Sleep.
type Adaptive struct {
	yieldRounds int
	remaining   int
	sleepFor    time.Duration
}

// New returns an Adaptive waiter that yields up to yieldRounds times before
// falling back to sleeping for sleepFor.
func New(yieldRounds int, sleepFor time.Duration) *Adaptive {
	return &Adaptive{
		yieldRounds: yieldRounds,
		remaining:   yieldRounds,
		sleepFor:    sleepFor,
	}
}

// Wait yields the goroutine if the yield budget is not exhausted, otherwise
// sleeps for sleepFor.
func (a *Adaptive) Wait() {
	if a.remaining > 0 {
		runtime.Gosched()
		a.remaining--
		return
	}
	time.Sleep(a.sleepFor)
}

// Reset restores the yield budget. Call this whenever the calling loop made
// progress in the round just completed.
func (a *Adaptive) Reset() {
	a.remaining = a.yieldRounds
}
