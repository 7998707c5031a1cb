package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DriverID identifies a driver. The backend uses numeric ids but the stream
// carries them as text, so ids are kept in their text form.
type DriverID string

// IDFromInt formats a numeric backend id.
func IDFromInt(id int64) DriverID {
	return DriverID(strconv.FormatInt(id, 10))
}

// Less orders ids numerically when both are numeric, lexically otherwise.
func (id DriverID) Less(other DriverID) bool {
	a, errA := strconv.ParseInt(string(id), 10, 64)
	b, errB := strconv.ParseInt(string(other), 10, 64)
	if errA == nil && errB == nil {
		return a < b
	}
	return id < other
}

// UnmarshalJSON accepts both JSON numbers and strings.
func (id *DriverID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = DriverID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("driver id: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*id = IDFromInt(i)
		return nil
	}
	*id = DriverID(n.String())
	return nil
}

type Availability string

const (
	Online  Availability = "ONLINE"
	OnTrip  Availability = "ON_TRIP"
	Offline Availability = "OFFLINE"
)

// Active reports whether the availability admits a driver into the fleet.
func (a Availability) Active() bool {
	return a == Online || a == OnTrip
}

// ParseAvailability normalises a backend availability string.
func ParseAvailability(s string) Availability {
	return Availability(strings.ToUpper(strings.TrimSpace(s)))
}

// Position is a coordinate known at a point in time. Positions are never
// modified after creation; records share them by pointer.
type Position struct {
	Lat float64   `json:"lat"`
	Lng float64   `json:"lng"`
	At  time.Time `json:"at"`
}

// DriverRecord is one active driver as currently known by the monitor.
type DriverRecord struct {
	ID           DriverID     `json:"id"`
	Name         string       `json:"name"`
	Phone        string       `json:"phone"`
	VehicleType  string       `json:"vehicleType"`
	VehiclePlate string       `json:"vehiclePlate"`
	Rating       float64      `json:"rating"`
	Availability Availability `json:"availability"`
	Position     *Position    `json:"position,omitempty"`
	LastUpdated  time.Time    `json:"lastUpdated"`
}

// Coordinates is the optional position carried by a snapshot row.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DriverSnapshot is one row of the active-driver roster returned by the
// snapshot endpoint.
type DriverSnapshot struct {
	ID           DriverID     `json:"id"`
	Name         string       `json:"name"`
	Phone        string       `json:"phone"`
	VehicleType  string       `json:"vehicleType"`
	VehiclePlate string       `json:"vehiclePlate"`
	Rating       float64      `json:"rating"`
	Availability Availability `json:"availability"`
	Position     *Coordinates `json:"position,omitempty"`
}

// UnmarshalJSON also accepts the flat lat/lng form used by the tracking
// endpoints.
func (d *DriverSnapshot) UnmarshalJSON(data []byte) error {
	type plain DriverSnapshot
	var raw struct {
		plain
		Lat *float64 `json:"lat"`
		Lng *float64 `json:"lng"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = DriverSnapshot(raw.plain)
	d.Availability = ParseAvailability(string(d.Availability))
	if d.Position == nil && raw.Lat != nil && raw.Lng != nil {
		d.Position = &Coordinates{Lat: *raw.Lat, Lng: *raw.Lng}
	}
	return nil
}

// PositionDelta is a position-only update decoded from the stream.
type PositionDelta struct {
	ID         DriverID  `json:"id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	ReceivedAt time.Time `json:"receivedAt"`
}
