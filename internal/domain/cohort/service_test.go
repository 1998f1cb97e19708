package cohort

import (
	"context"
	"testing"
)

// -- Mock Repository --

type mockRepo struct {
	locations map[string]int64
	cohorts   map[string]*Cohort
}

func newMockRepo() *mockRepo {
	return &mockRepo{locations: make(map[string]int64), cohorts: make(map[string]*Cohort)}
}

func (m *mockRepo) GetOrCreateLocation(_ context.Context, address string) (int64, error) {
	if id, ok := m.locations[address]; ok {
		return id, nil
	}
	id := int64(len(m.locations) + 1)
	m.locations[address] = id
	return id, nil
}

func (m *mockRepo) GetOrCreate(_ context.Context, c *Cohort) error {
	if existing, ok := m.cohorts[c.Name]; ok {
		*c = *existing
		return nil
	}
	c.ID = int64(len(m.cohorts) + 100)
	cp := *c
	m.cohorts[c.Name] = &cp
	return nil
}

// -- Tests --

func TestGetOrCreate(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)

	c, err := svc.GetOrCreate(context.Background(), "Rotterdam Study", "Rotterdam")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ID == 0 {
		t.Error("expected ID to be set")
	}
	if _, ok := repo.locations["Rotterdam"]; !ok {
		t.Error("expected location Rotterdam")
	}
}

func TestGetOrCreate_Idempotent(t *testing.T) {
	svc := NewService(newMockRepo())

	a, _ := svc.GetOrCreate(context.Background(), "Maastricht", "")
	b, _ := svc.GetOrCreate(context.Background(), "Maastricht", "")
	if a.ID != b.ID {
		t.Errorf("expected same cohort, got %d and %d", a.ID, b.ID)
	}
}

func TestGetOrCreate_LocationDefaultsToName(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)

	if _, err := svc.GetOrCreate(context.Background(), "Lifelines", "  "); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := repo.locations["Lifelines"]; !ok {
		t.Error("expected the cohort name to be used as location")
	}
}

func TestGetOrCreate_NameRequired(t *testing.T) {
	svc := NewService(newMockRepo())
	if _, err := svc.GetOrCreate(context.Background(), "", "x"); err == nil {
		t.Error("expected error for empty name")
	}
}
