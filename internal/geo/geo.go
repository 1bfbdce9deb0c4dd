// Package geo filters contractors and requests by great-circle distance.
// It is a linear scan over the candidate set; there is no spatial index,
// which bounds it to modest candidate counts rather than affecting
// correctness.
package geo

import (
	"fmt"
	"math"
	"sort"
)

// EarthRadiusKm is the mean Earth radius used by the haversine formula.
const EarthRadiusKm = 6371.0

// Point is a latitude/longitude pair in decimal degrees.
type Point struct {
	Lat float64
	Lng float64
}

// PointOf returns a Point when both coordinates are present.
func PointOf(lat, lng *float64) (Point, bool) {
	if lat == nil || lng == nil {
		return Point{}, false
	}
	return Point{Lat: *lat, Lng: *lng}, true
}

// DistanceKm returns the haversine great-circle distance between a and b.
func DistanceKm(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// Match pairs a candidate with its distance from the origin.
type Match[T any] struct {
	Item       T
	DistanceKm float64
}

// Within returns the candidates whose location lies within radiusKm of
// origin, in input order.  locate reports a candidate's coordinates; a
// candidate without coordinates is never included.
func Within[T any](origin Point, radiusKm float64, candidates []T, locate func(T) (Point, bool)) []Match[T] {
	out := make([]Match[T], 0)
	for _, c := range candidates {
		p, ok := locate(c)
		if !ok {
			continue
		}
		d := DistanceKm(origin, p)
		if d <= radiusKm {
			out = append(out, Match[T]{Item: c, DistanceKm: d})
		}
	}
	return out
}

// Nearest is Within sorted by ascending distance.  Ties keep input order.
func Nearest[T any](origin Point, radiusKm float64, candidates []T, locate func(T) (Point, bool)) []Match[T] {
	out := Within(origin, radiusKm, candidates, locate)
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out
}

// Cell names the coarse area channel a point falls into: coordinates
// rounded to one decimal place, roughly 11 km on a side.
func Cell(p Point) string {
	return fmt.Sprintf("area:%s,%s", roundTenth(p.Lat), roundTenth(p.Lng))
}

func roundTenth(v float64) string {
	r := math.Round(v*10) / 10
	if r == 0 {
		r = 0 // normalise -0
	}
	return fmt.Sprintf("%.1f", r)
}
