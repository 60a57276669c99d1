// Package inspect exposes a read-only gRPC view of a running simulation:
// health, per-node status and the collected global snapshot. Messages are
// protobuf well-known types so no generated code is needed.
package inspect
