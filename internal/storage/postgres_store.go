package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies every embedded migration in file name order. The scripts
// are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return names, nil
}

func (p *PostgresStore) AddDriver(ctx context.Context, d models.DriverProfile) (bool, error) {
	car, err := json.Marshal(d.Car)
	if err != nil {
		return false, err
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO drivers (id, name, city, car, created_at) VALUES ($1,$2,$3,$4,$5) ON CONFLICT (id) DO NOTHING`,
		d.DriverID, d.Name, d.City, car, d.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) AvailableDrivers(ctx context.Context) ([]models.Presence, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT driver_id, lat, lon, status, updated_at FROM driver_presence WHERE status = $1 ORDER BY seq`,
		models.DriverAvailable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Presence
	for rows.Next() {
		pr, err := scanPresence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdatePresence(ctx context.Context, driverID string, u models.PresenceUpdate) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO driver_presence (driver_id, lat, lon, status, updated_at)
		VALUES ($1, COALESCE($2::double precision, 0), COALESCE($3::double precision, 0), COALESCE($4::text, 'offline'), now())
		ON CONFLICT (driver_id) DO UPDATE SET
			lat = COALESCE($2::double precision, driver_presence.lat),
			lon = COALESCE($3::double precision, driver_presence.lon),
			status = COALESCE($4::text, driver_presence.status),
			updated_at = now()`,
		driverID, u.Lat, u.Lon, statusArg(u.Status))
	return err
}

func (p *PostgresStore) Presence(ctx context.Context, driverID string) (models.Presence, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT driver_id, lat, lon, status, updated_at FROM driver_presence WHERE driver_id = $1`, driverID)
	pr, err := scanPresence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Presence{}, ErrNotFound
	}
	return pr, err
}

func (p *PostgresStore) DriverProfile(ctx context.Context, driverID string) (models.DriverProfile, error) {
	var (
		d      models.DriverProfile
		car    []byte
		avg    sql.NullFloat64
		rating sql.NullInt64
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT d.id, d.name, d.city, d.car, d.created_at,
			(SELECT count(*) FROM rides r WHERE r.driver_id = d.id AND r.status = 'completed'),
			(SELECT avg(e.rating) FROM ride_evaluations e WHERE e.driver_id = d.id),
			(SELECT count(*) FROM ride_evaluations e WHERE e.driver_id = d.id)
		FROM drivers d WHERE d.id = $1`, driverID).
		Scan(&d.DriverID, &d.Name, &d.City, &car, &d.CreatedAt, &d.RideCount, &avg, &rating)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DriverProfile{}, ErrNotFound
	}
	if err != nil {
		return models.DriverProfile{}, err
	}
	if err := decodeCar(car, &d.Car); err != nil {
		return models.DriverProfile{}, fmt.Errorf("driver %s car: %w", driverID, err)
	}
	if avg.Valid && rating.Int64 > 0 {
		d.Rating = averageRating(avg.Float64*float64(rating.Int64), int(rating.Int64))
	}
	return d, nil
}

func (p *PostgresStore) UpsertRide(ctx context.Context, r models.RideRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides (id, driver_id, passenger_id, status, from_lat, from_lon, to_lat, to_lon, fare, distance_km, duration_min, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now(),now())
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.DriverID, r.PassengerID, r.Status, r.From.Lat, r.From.Lon, r.To.Lat, r.To.Lon, r.Fare, r.DistanceKm, r.DurationMin)
	return err
}

func (p *PostgresStore) SetRideStatus(ctx context.Context, rideID string, status models.RideStatus) error {
	_, err := p.db.ExecContext(ctx, `UPDATE rides SET status=$1, updated_at=now() WHERE id=$2`, status, rideID)
	return err
}

func (p *PostgresStore) CreateEvaluation(ctx context.Context, ev models.Evaluation) (bool, error) {
	stars, ok := roundRating(ev.Rating)
	if !ok {
		return false, nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var ride models.RideRecord
	err = tx.QueryRowContext(ctx, `SELECT id, driver_id, passenger_id, status FROM rides WHERE id = $1 FOR UPDATE`, ev.RideID).
		Scan(&ride.ID, &ride.DriverID, &ride.PassengerID, &ride.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !evaluable(ride, ev) {
		return false, nil
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ride_evaluations (ride_id, passenger_id, driver_id, rating, comment)
		VALUES ($1,$2,$3,$4,NULLIF($5,''))
		ON CONFLICT (ride_id) DO NOTHING`,
		ev.RideID, ev.PassengerID, ev.DriverID, stars, ev.Comment)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPresence(row rowScanner) (models.Presence, error) {
	var pr models.Presence
	var status string
	if err := row.Scan(&pr.DriverID, &pr.Lat, &pr.Lon, &status, &pr.UpdatedAt); err != nil {
		return models.Presence{}, err
	}
	if s, ok := models.ParseDriverStatus(status); ok {
		pr.Status = s
	} else {
		pr.Status = models.DriverOffline
	}
	return pr, nil
}

func statusArg(s *models.DriverStatus) any {
	if s == nil {
		return nil
	}
	return string(*s)
}

func decodeCar(b []byte, car *models.Car) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, car)
}
