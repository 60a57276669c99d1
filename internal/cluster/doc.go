// Package cluster is the composition root of a simulation. It validates the
// configuration, builds the network and one node per id, collects snapshot
// records into an archive, and drives the demo scenarios.
package cluster
