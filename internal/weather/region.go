package weather

import (
	"fmt"
	"math"

	"dronedispatch/internal/domain"
)

const DefaultRegionPrecision = 0.1

// Region is a square grid cell. All points inside a cell share one snapshot.
type Region struct {
	Key    string
	Center domain.Location
}

// RegionFor snaps loc onto a grid of precision degrees.
func RegionFor(loc domain.Location, precision float64) Region {
	if precision <= 0 {
		precision = DefaultRegionPrecision
	}
	latCell := math.Floor(loc.Lat / precision)
	lngCell := math.Floor(loc.Lng / precision)
	return Region{
		Key: fmt.Sprintf("%.0f:%.0f@%g", latCell, lngCell, precision),
		Center: domain.Location{
			Lat: (latCell + 0.5) * precision,
			Lng: (lngCell + 0.5) * precision,
		},
	}
}
