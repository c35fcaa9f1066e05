package location

import "context"

// PositionSensor is the device positioning hardware.
type PositionSensor interface {
	// CurrentPosition returns the next fix or fails with one of the
	// package errors. Implementations should honour ctx, but the resolver
	// does not rely on it.
	CurrentPosition(ctx context.Context) (Fix, error)
	// WatchPosition subscribes to continuous updates until ctx ends or the
	// subscription is closed.
	WatchPosition(ctx context.Context) (Subscription, error)
}

// Reading is one item of a sensor subscription.
type Reading struct {
	Fix Fix
	Err error
}

// Subscription is a continuous sensor feed. Close must be safe to call more
// than once.
type Subscription interface {
	Updates() <-chan Reading
	Close()
}

// NetworkLocator estimates a position from nearby Wi-Fi and cell signals.
type NetworkLocator interface {
	Locate(ctx context.Context) (Fix, error)
}

// IPProvider estimates a position from the public IP address.
type IPProvider interface {
	Name() string
	Lookup(ctx context.Context) (IPFix, error)
}
