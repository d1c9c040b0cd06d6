// Package dispatch implements the bulk send pipeline: chunk planning,
// the sequential dispatch loop, and the shrinking-chunk retry engine.
//
// The engine is deliberately single-threaded per send. Chunks go out one at
// a time with a configured delay between them so the SMTP provider's rate
// limits are respected and a chunk's failure is known before the next one is
// attempted, which the retry re-partitioning depends on. Independent sends
// may run concurrently; each Run call carries its own state.
//
// The engine never returns an error and never panics past its own boundary:
// every outcome, including an aborted send, is expressed in the Summary.
package dispatch
