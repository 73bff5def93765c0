package domain

import "math"

const earthRadiusMeters = 6371000.0

func DistanceMeters(a, b Location) float64 {
	lat1 := degreesToRadians(a.Lat)
	lat2 := degreesToRadians(b.Lat)
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)

	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

func DistanceKm(a, b Location) float64 {
	return DistanceMeters(a, b) / 1000
}

// OffPathMeters is the distance from p to the great-circle segment start→end.
// Points beyond either end of the segment measure to the nearest endpoint.
func OffPathMeters(p, start, end Location) float64 {
	segment := DistanceMeters(start, end)
	fromStart := DistanceMeters(start, p)
	if segment < 1 {
		return fromStart
	}
	d13 := fromStart / earthRadiusMeters
	theta13 := bearing(start, p)
	theta12 := bearing(start, end)
	crossTrack := math.Asin(math.Sin(d13) * math.Sin(theta13-theta12))

	alongTrack := math.Acos(clamp(math.Cos(d13)/math.Cos(crossTrack), -1, 1)) * earthRadiusMeters
	if math.Cos(theta13-theta12) < 0 {
		return fromStart
	}
	if alongTrack > segment {
		return DistanceMeters(end, p)
	}
	return math.Abs(crossTrack) * earthRadiusMeters
}

func bearing(a, b Location) float64 {
	lat1 := degreesToRadians(a.Lat)
	lat2 := degreesToRadians(b.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)
	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	return math.Atan2(y, x)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
