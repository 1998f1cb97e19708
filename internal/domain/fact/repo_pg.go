package fact

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cdmparser/cdm/internal/platform/db"
)

// observationTypeConceptID is "Survey" in the OMOP type vocabulary.
const observationTypeConceptID = 32879

type tableLayout struct {
	table   string
	idCol   string
	columns []string
	values  func(f *Fact) []interface{}
	// dupWhere compares the columns that make two facts identical.
	dupWhere string
	dupArgs  func(f *Fact) []interface{}
}

var layouts = map[Domain]tableLayout{
	Observation: {
		table: "observation",
		idCol: "observation_id",
		columns: []string{"person_id", "observation_concept_id", "observation_datetime",
			"observation_type_concept_id", "value_as_number", "value_as_string", "value_as_concept_id",
			"qualifier_concept_id", "unit_concept_id", "visit_occurrence_id",
			"observation_source_value", "value_source_value"},
		values: func(f *Fact) []interface{} {
			return []interface{}{f.PersonID, f.ConceptID, f.Datetime, observationTypeConceptID,
				f.ValueNumber, f.ValueString, f.ValueConceptID, f.OperatorConceptID, f.UnitConceptID,
				f.VisitID, f.SourceValue, f.AdditionalInfo}
		},
		dupWhere: `person_id = $1 AND observation_concept_id = $2 AND observation_datetime = $3
			AND value_as_number IS NOT DISTINCT FROM $4 AND value_as_string IS NOT DISTINCT FROM $5
			AND value_as_concept_id IS NOT DISTINCT FROM $6 AND visit_occurrence_id IS NOT DISTINCT FROM $7`,
		dupArgs: func(f *Fact) []interface{} {
			return []interface{}{f.PersonID, f.ConceptID, f.Datetime, f.ValueNumber, f.ValueString,
				f.ValueConceptID, f.VisitID}
		},
	},
	Measurement: {
		table: "measurement",
		idCol: "measurement_id",
		columns: []string{"person_id", "measurement_concept_id", "measurement_datetime",
			"operator_concept_id", "value_as_number", "value_as_concept_id", "unit_concept_id",
			"visit_occurrence_id", "measurement_source_value", "value_source_value"},
		values: func(f *Fact) []interface{} {
			return []interface{}{f.PersonID, f.ConceptID, f.Datetime, f.OperatorConceptID,
				f.ValueNumber, f.ValueConceptID, f.UnitConceptID, f.VisitID, f.AdditionalInfo, f.SourceValue}
		},
		dupWhere: `person_id = $1 AND measurement_concept_id = $2 AND measurement_datetime = $3
			AND value_as_number IS NOT DISTINCT FROM $4 AND value_as_concept_id IS NOT DISTINCT FROM $5
			AND visit_occurrence_id IS NOT DISTINCT FROM $6`,
		dupArgs: func(f *Fact) []interface{} {
			return []interface{}{f.PersonID, f.ConceptID, f.Datetime, f.ValueNumber, f.ValueConceptID, f.VisitID}
		},
	},
	Condition: {
		table: "condition_occurrence",
		idCol: "condition_occurrence_id",
		columns: []string{"person_id", "condition_concept_id", "condition_start_datetime",
			"visit_occurrence_id", "condition_source_value", "condition_status_source_value"},
		values: func(f *Fact) []interface{} {
			return []interface{}{f.PersonID, f.ConceptID, f.Datetime, f.VisitID, f.SourceValue, f.AdditionalInfo}
		},
		dupWhere: `person_id = $1 AND condition_concept_id = $2 AND condition_start_datetime = $3
			AND visit_occurrence_id IS NOT DISTINCT FROM $4`,
		dupArgs: func(f *Fact) []interface{} {
			return []interface{}{f.PersonID, f.ConceptID, f.Datetime, f.VisitID}
		},
	},
}

func layoutFor(d Domain) (tableLayout, error) {
	l, ok := layouts[d]
	if !ok {
		return tableLayout{}, fmt.Errorf("unsupported fact domain %q", d)
	}
	return l, nil
}

type factRepoPG struct{ pool *pgxpool.Pool }

func NewFactRepoPG(pool *pgxpool.Pool) Repository {
	return &factRepoPG{pool: pool}
}

func (r *factRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *factRepoPG) Create(ctx context.Context, f *Fact) error {
	l, err := layoutFor(f.Domain)
	if err != nil {
		return err
	}
	placeholders := make([]string, len(l.columns))
	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING %s`,
		l.table, strings.Join(l.columns, ", "), strings.Join(placeholders, ", "), l.idCol)
	return r.conn(ctx).QueryRow(ctx, sql, l.values(f)...).Scan(&f.ID)
}

func (r *factRepoPG) BulkInsert(ctx context.Context, domain Domain, facts []*Fact) (int64, error) {
	if len(facts) == 0 {
		return 0, nil
	}
	l, err := layoutFor(domain)
	if err != nil {
		return 0, err
	}
	return r.conn(ctx).CopyFrom(ctx, pgx.Identifier{l.table}, l.columns,
		pgx.CopyFromSlice(len(facts), func(i int) ([]interface{}, error) {
			if facts[i].Domain != domain {
				return nil, fmt.Errorf("fact of domain %s in %s batch", facts[i].Domain, domain)
			}
			return l.values(facts[i]), nil
		}))
}

func (r *factRepoPG) Exists(ctx context.Context, f *Fact) (bool, error) {
	l, err := layoutFor(f.Domain)
	if err != nil {
		return false, err
	}
	var exists bool
	err = r.conn(ctx).QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE %s)`, l.table, l.dupWhere),
		l.dupArgs(f)...).Scan(&exists)
	return exists, err
}
