package livesync

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrNotFound         = errors.New("point not found")
	ErrIncompleteRecord = errors.New("point record incomplete")
	ErrAlreadyPersisted = errors.New("point already has an id")
	ErrNotPersisted     = errors.New("point has no id")
	ErrClosed           = errors.New("manager stopped")
)

// DefaultTitle is used for points committed without a title.
const DefaultTitle = "unknown"

type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Point is a persisted map pin. A Point without an ID is pending.
type Point struct {
	ID          string     `json:"id,omitempty"`
	Coordinate  Coordinate `json:"coordinate"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
}

func (p Point) Pending() bool {
	return p.ID == ""
}

// Subtitle is the human readable coordinate shown under the title.
func (p Point) Subtitle() string {
	return p.Coordinate.String()
}

// Record is the stored part of a point; the coordinate lives in the geo-index.
type Record struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type QueryRegion struct {
	Center   Coordinate `json:"center"`
	RadiusKM float64    `json:"radiusKm"`
}

// Viewport describes the visible map: its center and the distance from the
// center to the top-left corner.
type Viewport struct {
	Center             Coordinate `json:"center"`
	EdgeDistanceMeters float64    `json:"edgeDistanceMeters"`
}

type EventKind int

const (
	EventEntered EventKind = iota + 1
	EventExited
	// EventReady follows the entries for a freshly subscribed or moved region.
	EventReady
)

func (k EventKind) String() string {
	switch k {
	case EventEntered:
		return "entered"
	case EventExited:
		return "exited"
	case EventReady:
		return "ready"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

type Event struct {
	Kind       EventKind
	ID         string
	Coordinate Coordinate
}

// String formats the coordinate per ISO 6709 Annex D, e.g. 55°45′20.123″N 37°37′03.456″E.
func (c Coordinate) String() string {
	ns, ew := "N", "E"
	if c.Latitude < 0 {
		ns = "S"
	}
	if c.Longitude < 0 {
		ew = "W"
	}
	return dms(c.Latitude) + ns + " " + dms(c.Longitude) + ew
}

func dms(v float64) string {
	v = math.Abs(v)
	degrees := math.Trunc(v)
	rest := v - degrees
	minutes := math.Trunc(rest * 60)
	rest -= minutes / 60
	seconds := rest * 3600
	return fmt.Sprintf("%d°%02d′%06.3f″", int(degrees), int(minutes), seconds)
}
