package cohort

import "context"

type Repository interface {
	// GetOrCreateLocation returns the location with this address, inserting it if needed.
	GetOrCreateLocation(ctx context.Context, address string) (int64, error)
	// GetOrCreate returns the care site named c.Name, inserting it if needed,
	// and fills c.ID.
	GetOrCreate(ctx context.Context, c *Cohort) error
}
