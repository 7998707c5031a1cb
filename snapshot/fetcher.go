// Package snapshot fetches the authoritative roster of currently active
// drivers. A roster is a point-in-time list; membership of the fleet follows
// it, positions in it may already be outdated.
package snapshot

import (
	"context"
	"fmt"

	"fleet-monitor/models"
)

// Fetcher returns the full active roster. Any failure is a *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context) ([]models.DriverSnapshot, error)
}

// FetchError reports a failed roster request. The refresh cycle that hit it
// is skipped; nothing else is affected.
type FetchError struct {
	Source string
	Cause  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("snapshot fetch from %s: %v", e.Source, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }
