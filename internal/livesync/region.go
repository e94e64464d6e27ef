package livesync

import "math"

// RegionLimits bounds the query radius derived from a viewport.
type RegionLimits struct {
	MinRadiusKM float64
	MaxRadiusKM float64
	// Widen multiplies the visible radius so panning stays inside the
	// prefetched area.
	Widen float64
}

func DefaultLimits() RegionLimits {
	return RegionLimits{MinRadiusKM: 1, MaxRadiusKM: 100, Widen: 10}
}

// Normalized replaces unset or inconsistent limits with defaults.
func (l RegionLimits) Normalized() RegionLimits {
	def := DefaultLimits()
	if l.MinRadiusKM <= 0 {
		l.MinRadiusKM = def.MinRadiusKM
	}
	if l.MaxRadiusKM < l.MinRadiusKM {
		l.MaxRadiusKM = math.Max(def.MaxRadiusKM, l.MinRadiusKM)
	}
	if l.Widen <= 0 {
		l.Widen = def.Widen
	}
	return l
}

// RegionFor returns the query region for a viewport:
// clamp(edge/1000 * Widen, MinRadiusKM, MaxRadiusKM).
func (l RegionLimits) RegionFor(v Viewport) QueryRegion {
	l = l.Normalized()
	edge := v.EdgeDistanceMeters
	if math.IsNaN(edge) || edge < 0 {
		edge = 0
	}
	mapRadius := edge / 1000
	radius := mapRadius * l.Widen
	radius = math.Max(radius, l.MinRadiusKM)
	radius = math.Min(radius, l.MaxRadiusKM)
	return QueryRegion{Center: v.Center, RadiusKM: radius}
}
