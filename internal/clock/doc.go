// Package clock provides the logical clocks carried by every node: a
// fixed-length vector clock stamped on each message, and a Lamport scalar
// clock with a total order broken by node id. Vector timestamps capture
// happened-before; two timestamps that neither precede nor follow each other
// are concurrent.
package clock
