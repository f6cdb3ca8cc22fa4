// Package collector gathers candidate events from external and computed
// sources. Collectors never fail the batch as a whole; each one returns the
// candidates it could produce plus advisory error strings for the rest.
package collector

import (
	"context"

	"github.com/evradar/evradar/internal/models"
)

// Collector is the boundary contract for all event sources.
type Collector interface {
	// Name identifies the collector in logs and run summaries.
	Name() string

	// Collect returns candidate events and advisory errors. A collector
	// degrades per source; it never returns a fatal error.
	Collect(ctx context.Context) ([]models.Candidate, []string)
}
