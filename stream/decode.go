package stream

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"fleet-monitor/models"
)

// DecodeError reports a stream payload that is not a "<id>:<lat>,<lng>"
// position. Such messages are dropped; the session carries on.
type DecodeError struct {
	Payload string
	Reason  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed position %q: %s", e.Payload, e.Reason)
}

// ParseDelta decodes a position broadcast such as "101:-6.21,106.85".
func ParseDelta(payload string, receivedAt time.Time) (models.PositionDelta, error) {
	p := strings.TrimSpace(payload)
	idPart, coords, ok := strings.Cut(p, ":")
	if !ok || strings.Contains(coords, ":") {
		return models.PositionDelta{}, &DecodeError{Payload: payload, Reason: "expected exactly one ':'"}
	}
	id := strings.TrimSpace(idPart)
	if id == "" {
		return models.PositionDelta{}, &DecodeError{Payload: payload, Reason: "empty driver id"}
	}
	latPart, lngPart, ok := strings.Cut(coords, ",")
	if !ok || strings.Contains(lngPart, ",") {
		return models.PositionDelta{}, &DecodeError{Payload: payload, Reason: "expected lat,lng"}
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(latPart), 64)
	lng, err2 := strconv.ParseFloat(strings.TrimSpace(lngPart), 64)
	if err1 != nil || err2 != nil {
		return models.PositionDelta{}, &DecodeError{Payload: payload, Reason: "non-numeric coordinate"}
	}
	if !models.ValidCoordinate(lat, lng) {
		return models.PositionDelta{}, &DecodeError{Payload: payload, Reason: "coordinate out of range"}
	}
	return models.PositionDelta{
		ID:         models.DriverID(id),
		Lat:        lat,
		Lng:        lng,
		ReceivedAt: receivedAt,
	}, nil
}
