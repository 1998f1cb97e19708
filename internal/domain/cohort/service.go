package cohort

import (
	"context"
	"fmt"
	"strings"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// GetOrCreate resolves the cohort by name. The location defaults to the
// cohort name. Calling it again with the same name returns the same cohort.
func (s *Service) GetOrCreate(ctx context.Context, name, location string) (*Cohort, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("cohort name is required")
	}
	if strings.TrimSpace(location) == "" {
		location = name
	}
	locationID, err := s.repo.GetOrCreateLocation(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("resolve location %q: %w", location, err)
	}
	c := &Cohort{Name: name, LocationID: locationID}
	if err := s.repo.GetOrCreate(ctx, c); err != nil {
		return nil, fmt.Errorf("resolve cohort %q: %w", name, err)
	}
	return c, nil
}
