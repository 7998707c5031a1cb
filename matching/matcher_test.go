package matching

import (
	"errors"
	"testing"
	"time"

	"fleet-monitor/fleet"
	"fleet-monitor/models"
)

func fleetOf(t *testing.T, list ...models.DriverSnapshot) fleet.FleetState {
	t.Helper()
	s := fleet.NewStore()
	s.ApplySnapshot(list, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	return s.Snapshot()
}

func at(id string, a models.Availability, lat, lng float64) models.DriverSnapshot {
	return models.DriverSnapshot{
		ID:           models.DriverID(id),
		Availability: a,
		Position:     &models.Coordinates{Lat: lat, Lng: lng},
	}
}

func TestNearestAvailable(t *testing.T) {
	st := fleetOf(t,
		at("1", models.Online, -6.21, 106.81),
		at("2", models.OnTrip, -6.2001, 106.8001),
		at("3", models.Online, -6.205, 106.805),
		models.DriverSnapshot{ID: "4", Availability: models.Online},
	)
	m, err := NearestAvailable(st, -6.2, 106.8)
	if err != nil {
		t.Fatalf("NearestAvailable: %v", err)
	}
	if m.Driver.ID != "3" {
		t.Fatalf("expected driver 3, got %s", m.Driver.ID)
	}
	if m.DistanceKm <= 0 || m.DistanceKm > 1.5 {
		t.Fatalf("distance %.3f km", m.DistanceKm)
	}
}

func TestNearestAvailable_FallsBackToFullScan(t *testing.T) {
	// Bandung is well outside the Jakarta neighbourhood cells.
	st := fleetOf(t, at("9", models.Online, -6.917, 107.619))
	m, err := NearestAvailable(st, -6.2, 106.8)
	if err != nil {
		t.Fatalf("NearestAvailable: %v", err)
	}
	if m.Driver.ID != "9" || m.DistanceKm < 100 {
		t.Fatalf("unexpected match %+v", m)
	}
}

func TestNearestAvailable_TieGoesToLowerID(t *testing.T) {
	st := fleetOf(t,
		at("12", models.Online, -6.2, 106.8),
		at("7", models.Online, -6.2, 106.8),
	)
	m, err := NearestAvailable(st, -6.2, 106.8)
	if err != nil || m.Driver.ID != "7" {
		t.Fatalf("got %+v, %v", m, err)
	}
}

func TestNearestAvailable_None(t *testing.T) {
	st := fleetOf(t, at("1", models.OnTrip, -6.2, 106.8))
	if _, err := NearestAvailable(st, -6.2, 106.8); !errors.Is(err, ErrNoDriver) {
		t.Fatalf("expected ErrNoDriver, got %v", err)
	}
	if _, err := NearestAvailable(st, 100, 0); err == nil || errors.Is(err, ErrNoDriver) {
		t.Fatalf("expected coordinate error, got %v", err)
	}
}
