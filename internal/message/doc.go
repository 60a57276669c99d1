// Package message defines the envelope exchanged between nodes and the
// payloads of each protocol. Messages are immutable once handed to the
// network.
package message
