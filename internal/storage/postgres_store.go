package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

const rideColumns = `id, rider_id, driver_id, pickup_lat, pickup_lon, dest_lat, dest_lon, fare, status, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var r models.Ride
	var status string
	err := s.Scan(&r.ID, &r.RiderID, &r.DriverID,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&r.Fare, &status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = models.RideStatus(status)
	return &r, nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.RiderID, r.DriverID, r.Pickup.Lat, r.Pickup.Lon, r.Destination.Lat, r.Destination.Lon,
		r.Fare, string(r.Status), r.CreatedAt, r.UpdatedAt)
	return mapPQError(err)
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// TransitionRide is a single conditional UPDATE; the row lock Postgres takes
// for it is what lets exactly one of several concurrent callers win.
func (p *PostgresStore) TransitionRide(ctx context.Context, id string, from, to models.RideStatus, ch Change) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE rides
		SET status = $1,
		    driver_id = COALESCE(NULLIF($2, ''), driver_id),
		    fare = COALESCE($3, fare),
		    updated_at = NOW()
		WHERE id = $4 AND status = $5
		RETURNING `+rideColumns,
		string(to), ch.DriverID, ch.Fare, id, string(from))
	r, err := scanRide(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rides WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrConflict
}

func (p *PostgresStore) ListRidesByRider(ctx context.Context, riderID string) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE rider_id = $1 ORDER BY created_at DESC`, riderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DriverApproved(ctx context.Context, driverID string) (bool, error) {
	var approved bool
	err := p.db.QueryRowContext(ctx, `SELECT approved FROM drivers WHERE id = $1`, driverID).Scan(&approved)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return approved, err
}

func (p *PostgresStore) SetDriverApproved(ctx context.Context, driverID string, approved bool) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO drivers (id, approved) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET approved = EXCLUDED.approved`, driverID, approved)
	return err
}

func (p *PostgresStore) GetDriverInfo(ctx context.Context, driverID string) (*models.DriverInfo, error) {
	var info models.DriverInfo
	var vmake, model, plate, vtype sql.NullString
	var year sql.NullInt64
	err := p.db.QueryRowContext(ctx, `
		SELECT d.full_name, d.average_rating, v.make, v.model, v.year, v.license_plate, v.vehicle_type
		FROM drivers d
		LEFT JOIN vehicles v ON v.driver_id = d.id
		WHERE d.id = $1`, driverID).
		Scan(&info.FullName, &info.AverageRating, &vmake, &model, &year, &plate, &vtype)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if plate.Valid {
		info.Vehicle = &models.Vehicle{
			DriverID:     driverID,
			Make:         vmake.String,
			Model:        model.String,
			Year:         int(year.Int64),
			LicensePlate: plate.String,
			VehicleType:  vtype.String,
		}
	}
	return &info, nil
}

func (p *PostgresStore) SaveVehicle(ctx context.Context, v *models.Vehicle) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO vehicles (driver_id, make, model, year, license_plate, vehicle_type)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		v.DriverID, v.Make, v.Model, v.Year, v.LicensePlate, v.VehicleType)
	return mapPQError(err)
}

func (p *PostgresStore) CreateReview(ctx context.Context, rv *models.Review) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reviews (ride_id, reviewer_id, reviewee_id, rating, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rv.RideID, rv.ReviewerID, rv.RevieweeID, rv.Rating, rv.Comment, rv.CreatedAt)
	return mapPQError(err)
}

func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}
