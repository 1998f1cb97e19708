package person

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// -- Mock Repository --

type mockRepo struct {
	persons    map[int64]*Person
	identities map[cacheKey]int64
	nextID     int64
	lookups    int
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		persons:    make(map[int64]*Person),
		identities: make(map[cacheKey]int64),
	}
}

func (m *mockRepo) Create(_ context.Context, p *Person) error {
	m.nextID++
	p.ID = m.nextID
	cp := *p
	m.persons[p.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id int64) (*Person, error) {
	p, ok := m.persons[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	cp := *p
	return &cp, nil
}

func (m *mockRepo) UpdateDeathDatetime(_ context.Context, id int64, death time.Time) error {
	p, ok := m.persons[id]
	if !ok {
		return fmt.Errorf("not found")
	}
	p.DeathDatetime = &death
	return nil
}

func (m *mockRepo) GetIDBySource(_ context.Context, sourceID string, cohortID int64) (int64, error) {
	m.lookups++
	return m.identities[cacheKey{sourceID, cohortID}], nil
}

func (m *mockRepo) CreateIdentity(_ context.Context, id *Identity) error {
	key := cacheKey{id.SourceID, id.CohortID}
	if _, dup := m.identities[key]; dup {
		return fmt.Errorf("duplicate identity")
	}
	m.identities[key] = id.PersonID
	return nil
}

func (m *mockRepo) ClearIdentities(_ context.Context) error {
	m.identities = make(map[cacheKey]int64)
	return nil
}

// -- Tests --

func resolveOrCreate(t *testing.T, r *Resolver, rc *RunCache, sourceID string, cohortID *int64) int64 {
	t.Helper()
	ctx := context.Background()
	id, isNew, err := r.Resolve(ctx, rc, sourceID, cohortID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !isNew {
		return id
	}
	p := &Person{YearOfBirth: 1970, CareSiteID: cohortID}
	if err := r.Create(ctx, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Record(ctx, rc, sourceID, p.ID, cohortID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return p.ID
}

func TestResolve_SameIDTwice(t *testing.T) {
	repo := newMockRepo()
	r := NewResolver(repo, DeathDateLast, zerolog.Nop())
	rc := NewRunCache()
	cohort := int64(7)

	first := resolveOrCreate(t, r, rc, "P001", &cohort)
	second := resolveOrCreate(t, r, rc, "P001", &cohort)

	if first != second {
		t.Errorf("expected same person id, got %d and %d", first, second)
	}
	if len(repo.persons) != 1 {
		t.Errorf("expected exactly one person, got %d", len(repo.persons))
	}
	if repo.lookups != 1 {
		t.Errorf("expected the second resolution to hit the cache, got %d lookups", repo.lookups)
	}
}

func TestResolve_DurableAcrossRuns(t *testing.T) {
	repo := newMockRepo()
	r := NewResolver(repo, DeathDateLast, zerolog.Nop())

	first := resolveOrCreate(t, r, NewRunCache(), "P001", nil)
	id, isNew, err := r.Resolve(context.Background(), NewRunCache(), "P001", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if isNew {
		t.Fatal("expected the identity table to know P001")
	}
	if id != first {
		t.Errorf("expected %d, got %d", first, id)
	}
}

func TestResolve_CohortsAreDistinct(t *testing.T) {
	repo := newMockRepo()
	r := NewResolver(repo, DeathDateLast, zerolog.Nop())
	rc := NewRunCache()
	a, b := int64(1), int64(2)

	if resolveOrCreate(t, r, rc, "P001", &a) == resolveOrCreate(t, r, rc, "P001", &b) {
		t.Error("expected distinct persons per cohort")
	}
	if rc.Len() != 2 {
		t.Errorf("expected 2 cached identities, got %d", rc.Len())
	}
}

func TestCreate_RequiresYearOfBirth(t *testing.T) {
	r := NewResolver(newMockRepo(), DeathDateLast, zerolog.Nop())
	if err := r.Create(context.Background(), &Person{}); err == nil {
		t.Error("expected error without year of birth")
	}
}

func seedDeath(t *testing.T, repo *mockRepo, death *time.Time) int64 {
	t.Helper()
	p := &Person{YearOfBirth: 1950, DeathDatetime: death}
	if err := repo.Create(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	return p.ID
}

func TestUpdateDeath_LastWins(t *testing.T) {
	repo := newMockRepo()
	r := NewResolver(repo, DeathDateLast, zerolog.Nop())
	d1 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	id := seedDeath(t, repo, &d1)

	if err := r.UpdateDeath(context.Background(), id, &d2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !repo.persons[id].DeathDatetime.Equal(d2) {
		t.Errorf("expected %v, got %v", d2, repo.persons[id].DeathDatetime)
	}
}

func TestUpdateDeath_Nil(t *testing.T) {
	repo := newMockRepo()
	r := NewResolver(repo, DeathDateReject, zerolog.Nop())
	d := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	id := seedDeath(t, repo, &d)

	if err := r.UpdateDeath(context.Background(), id, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !repo.persons[id].DeathDatetime.Equal(d) {
		t.Error("expected death date to be unchanged")
	}
}

func TestUpdateDeath_Earliest(t *testing.T) {
	repo := newMockRepo()
	r := NewResolver(repo, DeathDateEarliest, zerolog.Nop())
	early := time.Date(2018, 5, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC)
	id := seedDeath(t, repo, &early)

	if err := r.UpdateDeath(context.Background(), id, &late); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !repo.persons[id].DeathDatetime.Equal(early) {
		t.Error("expected the earliest date to be kept")
	}

	earlier := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := r.UpdateDeath(context.Background(), id, &earlier); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !repo.persons[id].DeathDatetime.Equal(earlier) {
		t.Error("expected an earlier date to replace the current one")
	}
}

func TestUpdateDeath_RejectConflict(t *testing.T) {
	repo := newMockRepo()
	r := NewResolver(repo, DeathDateReject, zerolog.Nop())
	d1 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC)
	id := seedDeath(t, repo, &d1)

	err := r.UpdateDeath(context.Background(), id, &d2)
	var conflict *IdentityConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected IdentityConflictError, got %v", err)
	}
	if conflict.PersonID != id {
		t.Errorf("expected person %d, got %d", id, conflict.PersonID)
	}
	if err := r.UpdateDeath(context.Background(), id, &d1); err != nil {
		t.Errorf("expected an equal date to be accepted, got %v", err)
	}
}

func TestUpdateDeath_RejectFirstDate(t *testing.T) {
	repo := newMockRepo()
	r := NewResolver(repo, DeathDateReject, zerolog.Nop())
	id := seedDeath(t, repo, nil)
	d := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := r.UpdateDeath(context.Background(), id, &d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.persons[id].DeathDatetime == nil {
		t.Error("expected death date to be set")
	}
}

func TestParseDeathDatePolicy(t *testing.T) {
	if p, err := ParseDeathDatePolicy(""); err != nil || p != DeathDateLast {
		t.Errorf("expected default last, got %s %v", p, err)
	}
	if p, err := ParseDeathDatePolicy("earliest"); err != nil || p != DeathDateEarliest {
		t.Errorf("expected earliest, got %s %v", p, err)
	}
	if _, err := ParseDeathDatePolicy("first"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
