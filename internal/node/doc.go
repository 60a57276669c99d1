// Package node runs one simulated process. A Node owns its application
// state, vector clock, snapshot coordinator, mutex and termination detector,
// and serializes every protocol step and external command through a single
// mailbox goroutine, so no two steps for the same node ever interleave.
package node
