// Package geo indexes point coordinates for circle queries.
package geo

import "context"

// Member is a point returned by a circle query.
type Member struct {
	ID         string
	Latitude   float64
	Longitude  float64
	DistanceKM float64
}

// Index is a coordinate index keyed by point id.
type Index interface {
	Set(ctx context.Context, id string, lat, lon float64) error
	Remove(ctx context.Context, id string) error
	// Position reports ok=false when id is not indexed.
	Position(ctx context.Context, id string) (lat, lon float64, ok bool, err error)
	// Within returns the members inside the circle, nearest first.
	Within(ctx context.Context, lat, lon, radiusKM float64) ([]Member, error)
}
