package geo

import (
	"math"
	"sort"

	"github.com/example/ride-dispatch/internal/models"
)

const earthRadiusM = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	return Haversine(lat1, lon1, lat2, lon2) / 1000
}

// Between is the great-circle distance in kilometers between two coordinates.
func Between(a, b models.Coord) float64 {
	return HaversineKm(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Candidate is a driver considered for an offer, with its distance to pickup.
type Candidate struct {
	models.Presence
	DistanceKm float64
}

// Rank orders drivers nearest-first from origin. Equal distances keep the
// order of the input snapshot. Linear scan; fine for the fleet sizes we run.
func Rank(origin models.Coord, drivers []models.Presence) []Candidate {
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		out = append(out, Candidate{Presence: d, DistanceKm: HaversineKm(origin.Lat, origin.Lon, d.Lat, d.Lon)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out
}
