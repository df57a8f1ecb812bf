package fare

import (
	"context"
	"log/slog"
	"math"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Tariff in GBP: base + per km + per minute.
const (
	BaseFare    = 1.50
	PerKm       = 0.80
	PerMin      = 0.15
	AvgSpeedKmh = 30.0
	Currency    = "gbp"
)

type Quote struct {
	Fare        float64 `json:"fare"`
	DistanceKm  float64 `json:"distanceKm"`
	DurationMin float64 `json:"durationMin"`
}

// Quoter prices a trip. Duration comes from the ETA client when one is set,
// falling back to AvgSpeedKmh over the straight-line distance.
type Quoter struct {
	ETA         eta.Client // optional OSRM client
	Cache       *eta.Cache // optional ETA cache
	AvgSpeedKmh float64
	Logger      *slog.Logger
}

func (q *Quoter) Quote(ctx context.Context, from, to models.Coord) Quote {
	distanceKm := geo.Between(from, to)
	durationMin := q.durationMin(ctx, from, to, distanceKm)
	fare := BaseFare + distanceKm*PerKm + durationMin*PerMin
	return Quote{
		Fare:        round(fare, 2),
		DistanceKm:  round(distanceKm, 2),
		DurationMin: round(durationMin, 1),
	}
}

func (q *Quoter) durationMin(ctx context.Context, from, to models.Coord, distanceKm float64) float64 {
	if q.Cache != nil {
		if v, ok := q.Cache.Get(from, to); ok {
			return v / 60
		}
	}
	if q.ETA != nil {
		secs, err := q.ETA.EstimateSeconds(ctx, from, to)
		if err == nil {
			if q.Cache != nil {
				q.Cache.Set(from, to, secs)
			}
			return secs / 60
		}
		if q.Logger != nil {
			q.Logger.Warn("eta lookup failed, using average speed", "error", err)
		}
	}
	speed := q.AvgSpeedKmh
	if speed <= 0 {
		speed = AvgSpeedKmh
	}
	return distanceKm / speed * 60
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// MinorUnits converts an amount to pence.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
