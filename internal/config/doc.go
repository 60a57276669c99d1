// Package config holds the simulation configuration: node count, adjacency,
// tree parents for the token discipline, the mutex discipline, and network
// timing. Values come from an optional .env file, NETCOORD_* environment
// variables, and command-line flags, in increasing precedence.
package config
