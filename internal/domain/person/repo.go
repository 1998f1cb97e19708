package person

import (
	"context"
	"time"
)

type Repository interface {
	Create(ctx context.Context, p *Person) error
	GetByID(ctx context.Context, id int64) (*Person, error)
	UpdateDeathDatetime(ctx context.Context, id int64, death time.Time) error
	// GetIDBySource returns 0 when the pair is unknown.
	GetIDBySource(ctx context.Context, sourceID string, cohortID int64) (int64, error)
	CreateIdentity(ctx context.Context, id *Identity) error
	ClearIdentities(ctx context.Context) error
}
