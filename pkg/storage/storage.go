package storage

import (
	"context"
	"fmt"
	"time"
)

// Record is one persisted spec artifact, keyed by driver id and normalized
// model hint. Version is the driver version the artifact was generated for;
// readers discard records whose version differs from the registered driver.
type Record struct {
	DriverID  string
	ModelHint string
	Format    string
	Version   string
	Content   []byte
	CreatedAt time.Time
}

// Validate checks that the record can be stored.
func (r *Record) Validate() error {
	if r == nil || r.DriverID == "" {
		return fmt.Errorf("%w: driver id is required", ErrInvalidRecord)
	}
	if len(r.Content) == 0 {
		return fmt.Errorf("%w: empty content for driver %q", ErrInvalidRecord, r.DriverID)
	}
	return nil
}

// ArtifactStore persists spec artifacts.
type ArtifactStore interface {
	// Get returns the record for driverID and hint, or ErrNotFound.
	Get(ctx context.Context, driverID, modelHint string) (*Record, error)

	// Put inserts or replaces the record for its key.
	Put(ctx context.Context, rec *Record) error

	// DeleteDriver removes every record of a driver and returns the count.
	DeleteDriver(ctx context.Context, driverID string) (int, error)

	// List returns the records of a driver ordered by model hint.
	List(ctx context.Context, driverID string) ([]*Record, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
