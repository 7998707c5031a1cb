package snapshot

import (
	"context"
	"database/sql"

	"fleet-monitor/models"
)

// Ratings live on completed orders; a driver's rating is their average.
const activeDriversQuery = `SELECT d.id, COALESCE(d.name, ''), COALESCE(d.phone, ''), COALESCE(d.vehicle_type, ''),
       COALESCE(d.vehicle_plate, ''), COALESCE(r.avg_rating, 0), d.availability
  FROM drivers d
  LEFT JOIN (SELECT driver_id, AVG(rating)::float8 AS avg_rating
               FROM orders
              WHERE rating IS NOT NULL
              GROUP BY driver_id) r ON r.driver_id = d.id
 WHERE d.availability IN ('ONLINE', 'ON_TRIP')
 ORDER BY d.id`

// PostgresSource reads the roster straight from the backend's drivers table.
// Positions are not stored there, so rows never carry one.
type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (p *PostgresSource) Fetch(ctx context.Context) ([]models.DriverSnapshot, error) {
	list, err := p.fetch(ctx)
	if err != nil {
		return nil, &FetchError{Source: "postgres", Cause: err}
	}
	return list, nil
}

func (p *PostgresSource) fetch(ctx context.Context) ([]models.DriverSnapshot, error) {
	rows, err := p.db.QueryContext(ctx, activeDriversQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.DriverSnapshot
	for rows.Next() {
		var (
			id           int64
			availability string
			d            models.DriverSnapshot
		)
		if err := rows.Scan(&id, &d.Name, &d.Phone, &d.VehicleType, &d.VehiclePlate, &d.Rating, &availability); err != nil {
			return nil, err
		}
		d.ID = models.IDFromInt(id)
		d.Availability = models.ParseAvailability(availability)
		list = append(list, d)
	}
	return list, rows.Err()
}
