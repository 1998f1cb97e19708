package transform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cdmparser/cdm/internal/dataset"
	"github.com/cdmparser/cdm/internal/domain/fact"
	"github.com/cdmparser/cdm/internal/domain/person"
	"github.com/cdmparser/cdm/internal/domain/visit"
	"github.com/cdmparser/cdm/internal/mapping"
)

// -- Mock Repositories --

type mockPersonRepo struct {
	persons    map[int64]*person.Person
	identities map[string]int64
	nextID     int64
}

func identityKey(sourceID string, cohortID int64) string {
	return fmt.Sprintf("%s|%d", sourceID, cohortID)
}

func (m *mockPersonRepo) Create(_ context.Context, p *person.Person) error {
	m.nextID++
	p.ID = m.nextID
	cp := *p
	m.persons[p.ID] = &cp
	return nil
}

func (m *mockPersonRepo) GetByID(_ context.Context, id int64) (*person.Person, error) {
	p, ok := m.persons[id]
	if !ok {
		return nil, fmt.Errorf("person %d not found", id)
	}
	cp := *p
	return &cp, nil
}

func (m *mockPersonRepo) UpdateDeathDatetime(_ context.Context, id int64, death time.Time) error {
	p, ok := m.persons[id]
	if !ok {
		return fmt.Errorf("person %d not found", id)
	}
	p.DeathDatetime = &death
	return nil
}

func (m *mockPersonRepo) GetIDBySource(_ context.Context, sourceID string, cohortID int64) (int64, error) {
	return m.identities[identityKey(sourceID, cohortID)], nil
}

func (m *mockPersonRepo) CreateIdentity(_ context.Context, id *person.Identity) error {
	key := identityKey(id.SourceID, id.CohortID)
	if _, dup := m.identities[key]; dup {
		return fmt.Errorf("duplicate identity %s", key)
	}
	m.identities[key] = id.PersonID
	return nil
}

func (m *mockPersonRepo) ClearIdentities(_ context.Context) error {
	m.identities = make(map[string]int64)
	return nil
}

type mockVisitRepo struct {
	visits map[int64]*visit.Visit
	nextID int64
}

func (m *mockVisitRepo) Create(_ context.Context, v *visit.Visit) error {
	m.nextID++
	v.ID = m.nextID
	cp := *v
	m.visits[v.ID] = &cp
	return nil
}

func (m *mockVisitRepo) GetIDByPersonAndStart(_ context.Context, personID int64, start time.Time) (int64, error) {
	for _, v := range m.visits {
		if v.PersonID == personID && v.Start.Equal(start) {
			return v.ID, nil
		}
	}
	return 0, nil
}

type mockFactRepo struct {
	facts   []*fact.Fact
	failAll bool
}

func (m *mockFactRepo) Create(_ context.Context, f *fact.Fact) error {
	if m.failAll {
		return errors.New("connection refused")
	}
	f.ID = int64(len(m.facts) + 1)
	m.facts = append(m.facts, f)
	return nil
}

func (m *mockFactRepo) BulkInsert(_ context.Context, _ fact.Domain, facts []*fact.Fact) (int64, error) {
	if m.failAll {
		return 0, errors.New("connection refused")
	}
	m.facts = append(m.facts, facts...)
	return int64(len(facts)), nil
}

func (m *mockFactRepo) Exists(_ context.Context, f *fact.Fact) (bool, error) {
	for _, s := range m.facts {
		if sameFact(s, f) {
			return true, nil
		}
	}
	return false, nil
}

func sameFact(a, b *fact.Fact) bool {
	eqF := func(x, y *float64) bool { return (x == nil && y == nil) || (x != nil && y != nil && *x == *y) }
	eqI := func(x, y *int64) bool { return (x == nil && y == nil) || (x != nil && y != nil && *x == *y) }
	eqS := func(x, y *string) bool { return (x == nil && y == nil) || (x != nil && y != nil && *x == *y) }
	return a.Domain == b.Domain && a.PersonID == b.PersonID && a.ConceptID == b.ConceptID &&
		a.Datetime.Equal(b.Datetime) && eqF(a.ValueNumber, b.ValueNumber) && eqS(a.ValueString, b.ValueString) &&
		eqI(a.ValueConceptID, b.ValueConceptID) && eqI(a.VisitID, b.VisitID)
}

func (m *mockFactRepo) byDomain(d fact.Domain) []*fact.Fact {
	var out []*fact.Fact
	for _, f := range m.facts {
		if f.Domain == d {
			out = append(out, f)
		}
	}
	return out
}

// store bundles the mock repositories behind one durable state, so that a
// second run sees what the first one wrote.
type store struct {
	persons *mockPersonRepo
	visits  *mockVisitRepo
	facts   *mockFactRepo
}

func newStore() *store {
	return &store{
		persons: &mockPersonRepo{persons: make(map[int64]*person.Person), identities: make(map[string]int64)},
		visits:  &mockVisitRepo{visits: make(map[int64]*visit.Visit)},
		facts:   &mockFactRepo{},
	}
}

// -- Helpers --

const sourceHeader = "variable,source_variable,alternatives,values,values_parsed,format,limit,condition,aggregate,conversion,threshold,static_value\n"

const destinationHeader = "variable,domain,concept_id,values,values_concept_id,values_range,type,date,additional_info,unit_concept_id\n"

func newModel(t *testing.T, source, destination string) *mapping.Model {
	t.Helper()
	src, err := mapping.ReadSourceCSV(strings.NewReader(sourceHeader + source))
	if err != nil {
		t.Fatalf("read source mapping: %v", err)
	}
	dst, err := mapping.ReadDestinationCSV(strings.NewReader(destinationHeader + destination))
	if err != nil {
		t.Fatalf("read destination mapping: %v", err)
	}
	m, err := mapping.New(src, dst)
	if err != nil {
		t.Fatalf("build mapping: %v", err)
	}
	return m
}

func newTransformer(s *store, model *mapping.Model, opts Options, sink fact.Sink) *Transformer {
	if sink == nil {
		sink = fact.NewImmediateSink(s.facts)
	}
	return NewTransformer(model,
		person.NewResolver(s.persons, person.DeathDateLast, zerolog.Nop()),
		visit.NewResolver(s.visits),
		sink, opts, zerolog.Nop())
}

func openCSV(t *testing.T, content string) dataset.Reader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cohort.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write dataset: %v", err)
	}
	r, err := dataset.Open(path, dataset.Options{})
	if err != nil {
		t.Fatalf("open dataset: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func int64p(v int64) *int64 { return &v }

func floatp(v float64) *float64 { return &v }
