// Package network simulates reliable point-to-point links between nodes.
// Each ordered pair of nodes owns a FIFO link: messages are never lost,
// duplicated or reordered on the same link, but links progress independently
// of each other. Delivery is either asynchronous with a random per-message
// delay, or manual, where tests decide which link advances next.
package network
