// Package gateway defines the lifecycle contract for network-facing entry
// points. The HTTP API is the only implementation today; the interface keeps
// cmd wiring independent of the transport.
package gateway

import "context"

// Gateway is a network-facing surface.
type Gateway interface {
	// Start runs the serve loop until it fails or ctx is canceled.
	Start(ctx context.Context) error

	// Stop drains in-flight requests and shuts the surface down; the
	// context bounds the grace period.
	Stop(ctx context.Context) error
}
