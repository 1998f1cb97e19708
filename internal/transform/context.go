package transform

import (
	"golang.org/x/exp/slices"

	"github.com/cdmparser/cdm/internal/domain/person"
)

// RunContext is the mutable state of one run: the identity cache and the set
// of variables already warned about. It is owned by a single goroutine.
type RunContext struct {
	ID         string
	Identities *person.RunCache
	warned     map[string]struct{}
}

func NewRunContext(id string) *RunContext {
	return &RunContext{
		ID:         id,
		Identities: person.NewRunCache(),
		warned:     make(map[string]struct{}),
	}
}

// firstWarning records key and reports whether it had not been warned yet.
func (rc *RunContext) firstWarning(key string) bool {
	if _, ok := rc.warned[key]; ok {
		return false
	}
	rc.warned[key] = struct{}{}
	return true
}

// Warnings returns the variables warned about during the run, sorted.
func (rc *RunContext) Warnings() []string {
	out := make([]string, 0, len(rc.warned))
	for k := range rc.warned {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
