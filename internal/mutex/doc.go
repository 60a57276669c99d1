// Package mutex provides distributed mutual exclusion. Two disciplines share
// one interface: Tree passes a single token over a fixed spanning tree, and
// Voting admits a node once every other participant has consented to its
// timestamped request. A run selects one discipline for every node.
package mutex
