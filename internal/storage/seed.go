package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

type demoDriver struct {
	email    string
	profile  models.DriverProfile
	lat, lon float64
	status   models.DriverStatus
}

var demoFleet = []demoDriver{
	{"driver1@email.com", models.DriverProfile{Name: "John", City: "London", Car: models.Car{Model: "Toyota Corolla", Plate: "AB12 CDE", Year: 2022, Color: "Silver"}}, 51.5074, -0.1278, models.DriverAvailable},
	{"driver2@email.com", models.DriverProfile{Name: "Jane", City: "London", Car: models.Car{Model: "Honda Civic", Plate: "EF34 FGH", Year: 2021, Color: "Blue"}}, 51.515, -0.142, models.DriverAvailable},
	{"driver3@email.com", models.DriverProfile{Name: "Jim", City: "Manchester", Car: models.Car{Model: "VW Golf", Plate: "IJ56 KLM", Year: 2023, Color: "White"}}, 53.4808, -2.2426, models.DriverOffline},
	{"driver4@email.com", models.DriverProfile{Name: "Jill", City: "London", Car: models.Car{Model: "Ford Focus", Plate: "NO78 PQR", Year: 2020, Color: "Black"}}, 51.52, -0.1, models.DriverAvailable},
	{"driver5@email.com", models.DriverProfile{Name: "Jack", City: "Birmingham", Car: models.Car{Model: "Hyundai i30", Plate: "ST90 UVW", Year: 2022, Color: "Red"}}, 52.4862, -1.8904, models.DriverAvailable},
	{"driver6@email.com", models.DriverProfile{Name: "Mary", City: "London", Car: models.Car{Model: "Kia Ceed", Plate: "XY12 ZAB", Year: 2021, Color: "Gray"}}, 51.51, -0.15, models.DriverOffline},
}

// DemoDriverID is the stable id given to a demo driver account.
func DemoDriverID(email string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("mailto:"+email)).String()
}

// SeedDemo creates the demo fleet. Drivers that already exist keep their
// current presence.
func SeedDemo(ctx context.Context, drivers DriverSeeder, presence PresenceStore) (int, error) {
	created := 0
	for _, d := range demoFleet {
		p := d.profile
		p.DriverID = DemoDriverID(d.email)
		p.CreatedAt = time.Now()
		ok, err := drivers.AddDriver(ctx, p)
		if err != nil {
			return created, fmt.Errorf("seed driver %s: %w", d.email, err)
		}
		if !ok {
			continue
		}
		lat, lon, status := d.lat, d.lon, d.status
		u := models.PresenceUpdate{Lat: &lat, Lon: &lon, Status: &status}
		if err := presence.UpdatePresence(ctx, p.DriverID, u); err != nil {
			return created, fmt.Errorf("seed presence %s: %w", d.email, err)
		}
		created++
	}
	return created, nil
}
