package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/cdmparser/cdm/internal/dataset"
	"github.com/cdmparser/cdm/internal/domain/cohort"
	"github.com/cdmparser/cdm/internal/domain/fact"
	"github.com/cdmparser/cdm/internal/domain/person"
	"github.com/cdmparser/cdm/internal/domain/visit"
	"github.com/cdmparser/cdm/internal/mapping"
	"github.com/cdmparser/cdm/internal/platform/db"
	"github.com/cdmparser/cdm/internal/transform"
)

const sourceMapping = `variable,source_variable,alternatives,values,values_parsed,format,limit,condition,aggregate,conversion,threshold,static_value
source_id,pid,,,,,,,,,,
sex,sex,,M/F,M/F,,,,,,,
birth_year,byear,,,,,,,,,,
date,date_v1,,,,%Y%m%d,,,,,,
systolic,bp_v1,,,,,,,,,,
`

const destinationMapping = `variable,domain,concept_id,values,values_concept_id,values_range,type,date,additional_info,unit_concept_id
sex,Person,,M/F,8507/8532,,,,,
systolic,Measurement,3004249,,,,numeric,date,,8876
`

const cohortData = `pid,sex,byear,date_v1,bp_v1
p1,M,1950,20200101,120
p2,F,1960,20200102,135.5
p3,M,1970,20200103,140
`

func writeFixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// runPipeline wires the transformation the way the transform command does.
func runPipeline(t *testing.T, pool *pgxpool.Pool, dedup bool) transform.Summary {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	model, err := mapping.LoadFiles(
		writeFixture(t, dir, "source_mapping.csv", sourceMapping),
		writeFixture(t, dir, "destination_mapping.csv", destinationMapping),
	)
	if err != nil {
		t.Fatalf("load mapping: %v", err)
	}
	rows, err := dataset.Open(writeFixture(t, dir, "cohort.csv", cohortData), dataset.Options{})
	if err != nil {
		t.Fatalf("open dataset: %v", err)
	}
	defer rows.Close()

	c, err := cohort.NewService(cohort.NewCohortRepoPG(pool)).GetOrCreate(ctx, "Lifelines", "")
	if err != nil {
		t.Fatalf("resolve cohort: %v", err)
	}

	factRepo := fact.NewFactRepoPG(pool)
	var sink fact.Sink = fact.NewBufferedSink(factRepo, 2, zerolog.Nop())
	if dedup {
		sink = fact.NewDedupSink(sink, factRepo)
	}

	tr := transform.NewTransformer(model,
		person.NewResolver(person.NewPersonRepoPG(pool), person.DeathDateLast, zerolog.Nop()),
		visit.NewResolver(visit.NewVisitRepoPG(pool)),
		sink, transform.Options{CohortID: &c.ID}, zerolog.Nop(),
	).WithTx(func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.InTx(ctx, pool, fn)
	})

	sum, err := transform.NewRunner(tr, zerolog.Nop()).Run(ctx, rows, 0, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return sum
}

func TestPipeline_EndToEnd(t *testing.T) {
	pool := requireDB(t)

	sum := runPipeline(t, pool, false)
	if sum.Processed != 3 || sum.Skipped != 0 || sum.Facts != 3 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if n := countRows(t, pool, "person"); n != 3 {
		t.Errorf("expected 3 persons, got %d", n)
	}
	if n := countRows(t, pool, "person_source_id"); n != 3 {
		t.Errorf("expected 3 identities, got %d", n)
	}
	if n := countRows(t, pool, "visit_occurrence"); n != 3 {
		t.Errorf("expected 3 visits, got %d", n)
	}
	if n := countRows(t, pool, "measurement"); n != 3 {
		t.Errorf("expected 3 measurements, got %d", n)
	}

	var value float64
	var unit int64
	err := pool.QueryRow(context.Background(), `
		SELECT m.value_as_number, m.unit_concept_id
		FROM measurement m
		JOIN person_source_id s ON s.person_id = m.person_id
		WHERE s.source_id = 'p2'`).Scan(&value, &unit)
	if err != nil {
		t.Fatalf("query measurement: %v", err)
	}
	if value != 135.5 || unit != 8876 {
		t.Errorf("expected 135.5 with unit 8876, got %v and %d", value, unit)
	}

	var female int
	if err := pool.QueryRow(context.Background(),
		`SELECT count(*) FROM person WHERE gender_concept_id = 8532 AND care_site_id IS NOT NULL`).Scan(&female); err != nil {
		t.Fatalf("query persons: %v", err)
	}
	if female != 1 {
		t.Errorf("expected 1 female person in the cohort, got %d", female)
	}
}

func TestPipeline_RerunWithDedup(t *testing.T) {
	pool := requireDB(t)

	runPipeline(t, pool, true)
	sum := runPipeline(t, pool, true)

	if sum.Suppressed != 3 {
		t.Errorf("expected 3 suppressed facts, got %d", sum.Suppressed)
	}
	if n := countRows(t, pool, "person"); n != 3 {
		t.Errorf("re-run must reuse persons, got %d", n)
	}
	if n := countRows(t, pool, "visit_occurrence"); n != 3 {
		t.Errorf("re-run must reuse visits, got %d", n)
	}
	if n := countRows(t, pool, "measurement"); n != 3 {
		t.Errorf("expected no duplicate measurements, got %d", n)
	}
}

func TestPipeline_RerunAfterClearingIdentities(t *testing.T) {
	pool := requireDB(t)

	runPipeline(t, pool, false)
	if err := person.NewPersonRepoPG(pool).ClearIdentities(context.Background()); err != nil {
		t.Fatalf("clear identities: %v", err)
	}
	runPipeline(t, pool, false)

	if n := countRows(t, pool, "person"); n != 6 {
		t.Errorf("expected new persons once identities are cleared, got %d", n)
	}
}
