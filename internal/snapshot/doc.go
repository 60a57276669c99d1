// Package snapshot implements the Chandy-Lamport global snapshot. Each node
// owns a Coordinator that captures its local state exactly once, floods
// markers on its outgoing links and records the application messages that
// were in flight on each incoming link. Records from all nodes assemble into
// a Global snapshot whose consistency can be verified.
package snapshot
