package visit

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cdmparser/cdm/internal/platform/db"
)

type visitRepoPG struct{ pool *pgxpool.Pool }

func NewVisitRepoPG(pool *pgxpool.Pool) Repository {
	return &visitRepoPG{pool: pool}
}

func (r *visitRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *visitRepoPG) Create(ctx context.Context, v *Visit) error {
	if v.End.IsZero() {
		v.End = v.Start
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO visit_occurrence (visit_occurrence_id, person_id, visit_concept_id,
			visit_start_date, visit_start_datetime, visit_end_date, visit_end_datetime,
			visit_type_concept_id, care_site_id, visit_source_concept_id,
			admitted_from_concept_id, discharge_to_concept_id)
		VALUES (nextval('visit_occurrence_sequence'), $1, 0, $2, $3, $4, $5, 0, $6, 0, 0, 0)
		RETURNING visit_occurrence_id`,
		v.PersonID, v.Start, v.Start, v.End, v.End, v.CareSiteID,
	).Scan(&v.ID)
}

func (r *visitRepoPG) GetIDByPersonAndStart(ctx context.Context, personID int64, start time.Time) (int64, error) {
	var id int64
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT visit_occurrence_id FROM visit_occurrence
		WHERE person_id = $1 AND visit_start_datetime = $2
		LIMIT 1`, personID, start).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return id, err
}
