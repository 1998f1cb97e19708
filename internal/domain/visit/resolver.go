package visit

import (
	"context"
	"fmt"
	"time"
)

// Resolver finds or creates the visit a person's facts attach to.
type Resolver struct {
	repo Repository
}

func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// ResolveOrCreate returns the visit of personID starting at ts, creating it
// when none exists. It is a lookup followed by an insert, not an upsert.
func (r *Resolver) ResolveOrCreate(ctx context.Context, personID int64, cohortID *int64, ts time.Time) (int64, error) {
	id, err := r.repo.GetIDByPersonAndStart(ctx, personID, ts)
	if err != nil {
		return 0, fmt.Errorf("lookup visit of person %d: %w", personID, err)
	}
	if id != 0 {
		return id, nil
	}
	v := &Visit{PersonID: personID, Start: ts, End: ts, CareSiteID: cohortID}
	if err := r.repo.Create(ctx, v); err != nil {
		return 0, fmt.Errorf("create visit for person %d: %w", personID, err)
	}
	return v.ID, nil
}
