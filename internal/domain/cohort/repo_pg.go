package cohort

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cdmparser/cdm/internal/platform/db"
)

type cohortRepoPG struct{ pool *pgxpool.Pool }

func NewCohortRepoPG(pool *pgxpool.Pool) Repository {
	return &cohortRepoPG{pool: pool}
}

func (r *cohortRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *cohortRepoPG) GetOrCreateLocation(ctx context.Context, address string) (int64, error) {
	var id int64
	err := r.conn(ctx).QueryRow(ctx, `
		WITH ins AS (
			INSERT INTO location (location_id, address_1)
			SELECT nextval('location_sequence'), $1
			WHERE NOT EXISTS (SELECT 1 FROM location WHERE address_1 = $1)
			RETURNING location_id
		)
		SELECT location_id FROM ins
		UNION ALL
		SELECT location_id FROM location WHERE address_1 = $1
		LIMIT 1`, address).Scan(&id)
	return id, err
}

func (r *cohortRepoPG) GetOrCreate(ctx context.Context, c *Cohort) error {
	return r.conn(ctx).QueryRow(ctx, `
		WITH ins AS (
			INSERT INTO care_site (care_site_id, care_site_name, place_of_service_concept_id,
				location_id, care_site_source_value)
			SELECT nextval('care_site_sequence'), $1, 0, $2, $1
			WHERE NOT EXISTS (SELECT 1 FROM care_site WHERE care_site_name = $1)
			RETURNING care_site_id, location_id
		)
		SELECT care_site_id, location_id FROM ins
		UNION ALL
		SELECT care_site_id, location_id FROM care_site WHERE care_site_name = $1
		LIMIT 1`, c.Name, c.LocationID).Scan(&c.ID, &c.LocationID)
}
