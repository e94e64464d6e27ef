package livesync

import "context"

// Store is the remote point store: records keyed by id plus a parallel
// geo-index that can be watched through circle subscriptions.
type Store interface {
	AllocateID() string
	WriteRecord(ctx context.Context, id string, rec Record) error
	RemoveRecord(ctx context.Context, id string) error
	WriteGeoIndex(ctx context.Context, id string, c Coordinate) error
	RemoveGeoIndex(ctx context.Context, id string) error
	// FetchRecord returns ErrNotFound when no record exists for id.
	FetchRecord(ctx context.Context, id string) (Record, error)
	Subscribe(ctx context.Context, region QueryRegion) (Subscription, error)
}

// Subscription streams membership changes of a circle region. Events for
// the same id arrive in emission order.
type Subscription interface {
	Events() <-chan Event
	// UpdateRegion moves the circle in place; only membership differences
	// are reported.
	UpdateRegion(region QueryRegion) error
	Cancel()
}
