package person

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cdmparser/cdm/internal/platform/db"
)

type personRepoPG struct{ pool *pgxpool.Pool }

func NewPersonRepoPG(pool *pgxpool.Pool) Repository {
	return &personRepoPG{pool: pool}
}

func (r *personRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const personCols = `person_id, gender_concept_id, gender_source_value, year_of_birth, death_datetime, care_site_id`

func (r *personRepoPG) Create(ctx context.Context, p *Person) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO person (person_id, gender_concept_id, gender_source_value, year_of_birth,
			death_datetime, race_concept_id, ethnicity_concept_id, care_site_id)
		VALUES (nextval('person_sequence'), $1, $2, $3, $4, 0, 0, $5)
		RETURNING person_id`,
		p.GenderConceptID, p.GenderSourceValue, p.YearOfBirth, p.DeathDatetime, p.CareSiteID,
	).Scan(&p.ID)
}

func (r *personRepoPG) GetByID(ctx context.Context, id int64) (*Person, error) {
	var p Person
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+personCols+` FROM person WHERE person_id = $1`, id).
		Scan(&p.ID, &p.GenderConceptID, &p.GenderSourceValue, &p.YearOfBirth, &p.DeathDatetime, &p.CareSiteID)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *personRepoPG) UpdateDeathDatetime(ctx context.Context, id int64, death time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE person SET death_datetime = $1 WHERE person_id = $2`, death, id)
	return err
}

func (r *personRepoPG) GetIDBySource(ctx context.Context, sourceID string, cohortID int64) (int64, error) {
	var id int64
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT person_id FROM person_source_id WHERE source_id = $1 AND cohort_id = $2 LIMIT 1`,
		sourceID, cohortID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

func (r *personRepoPG) CreateIdentity(ctx context.Context, id *Identity) error {
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO person_source_id (person_id, source_id, cohort_id) VALUES ($1, $2, $3)`,
		id.PersonID, id.SourceID, id.CohortID)
	return err
}

func (r *personRepoPG) ClearIdentities(ctx context.Context) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM person_source_id`)
	return err
}
