package person

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

type cacheKey struct {
	sourceID string
	cohortID int64
}

// RunCache is the natural id -> person id map of a single run. It must not be
// shared between runs or used from more than one goroutine.
type RunCache struct {
	ids map[cacheKey]int64
}

func NewRunCache() *RunCache {
	return &RunCache{ids: make(map[cacheKey]int64)}
}

// Len returns the number of identities seen by the run.
func (c *RunCache) Len() int { return len(c.ids) }

// Resolver maps natural ids to persons, creating each person once per
// (natural id, cohort).
type Resolver struct {
	repo   Repository
	policy DeathDatePolicy
	logger zerolog.Logger
}

func NewResolver(repo Repository, policy DeathDatePolicy, logger zerolog.Logger) *Resolver {
	if policy == "" {
		policy = DeathDateLast
	}
	return &Resolver{repo: repo, policy: policy, logger: logger}
}

// Resolve looks sourceID up in the run cache, then in the identity table.
// isNew is true when neither knows it; the caller then creates the person and
// calls Record.
func (r *Resolver) Resolve(ctx context.Context, rc *RunCache, sourceID string, cohortID *int64) (personID int64, isNew bool, err error) {
	key := cacheKey{sourceID: sourceID, cohortID: cohortKey(cohortID)}
	if id, ok := rc.ids[key]; ok {
		return id, false, nil
	}
	id, err := r.repo.GetIDBySource(ctx, sourceID, key.cohortID)
	if err != nil {
		return 0, false, fmt.Errorf("lookup identity %s: %w", sourceID, err)
	}
	if id == 0 {
		return 0, true, nil
	}
	rc.ids[key] = id
	return id, false, nil
}

// Record persists the identity of a newly created person and caches it.
func (r *Resolver) Record(ctx context.Context, rc *RunCache, sourceID string, personID int64, cohortID *int64) error {
	key := cacheKey{sourceID: sourceID, cohortID: cohortKey(cohortID)}
	if err := r.repo.CreateIdentity(ctx, &Identity{SourceID: sourceID, CohortID: key.cohortID, PersonID: personID}); err != nil {
		return fmt.Errorf("record identity %s: %w", sourceID, err)
	}
	rc.ids[key] = personID
	return nil
}

// Create inserts a new person.
func (r *Resolver) Create(ctx context.Context, p *Person) error {
	if p.YearOfBirth == 0 {
		return fmt.Errorf("person requires a year of birth")
	}
	if err := r.repo.Create(ctx, p); err != nil {
		return fmt.Errorf("create person: %w", err)
	}
	return nil
}

// UpdateDeath applies a death date observed on a later row for an existing
// person, following the configured policy. A nil death is a no-op.
func (r *Resolver) UpdateDeath(ctx context.Context, personID int64, death *time.Time) error {
	if death == nil {
		return nil
	}
	if r.policy == DeathDateLast {
		if err := r.repo.UpdateDeathDatetime(ctx, personID, *death); err != nil {
			return fmt.Errorf("update death date of person %d: %w", personID, err)
		}
		return nil
	}

	p, err := r.repo.GetByID(ctx, personID)
	if err != nil {
		return fmt.Errorf("get person %d: %w", personID, err)
	}
	if p.DeathDatetime != nil {
		current := *p.DeathDatetime
		switch {
		case current.Equal(*death):
			return nil
		case r.policy == DeathDateReject:
			return &IdentityConflictError{PersonID: personID, Current: current, Incoming: *death}
		case !death.Before(current):
			r.logger.Debug().Int64("person_id", personID).Time("kept", current).Time("ignored", *death).
				Msg("keeping earliest death date")
			return nil
		}
	}
	if err := r.repo.UpdateDeathDatetime(ctx, personID, *death); err != nil {
		return fmt.Errorf("update death date of person %d: %w", personID, err)
	}
	return nil
}
