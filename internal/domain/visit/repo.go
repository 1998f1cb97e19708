package visit

import (
	"context"
	"time"
)

type Repository interface {
	Create(ctx context.Context, v *Visit) error
	// GetIDByPersonAndStart returns 0 when no visit matches.
	GetIDByPersonAndStart(ctx context.Context, personID int64, start time.Time) (int64, error)
}
