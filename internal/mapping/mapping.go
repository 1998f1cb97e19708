// Package mapping holds the source and destination field specifications that
// drive the transformation, and the value translation tables derived from them.
//
// A Model is validated once when it is built and is read-only afterwards, so it
// can be shared by any number of runs.
package mapping

import (
	"fmt"
	"strings"
)

// Error reports a malformed mapping table. It is fatal for the run.
type Error struct {
	Variable string
	Reason   string
}

func (e *Error) Error() string {
	if e.Variable == "" {
		return "mapping: " + e.Reason
	}
	return fmt.Sprintf("mapping: variable %s: %s", e.Variable, e.Reason)
}

func errorf(variable, format string, args ...interface{}) *Error {
	return &Error{Variable: variable, Reason: fmt.Sprintf(format, args...)}
}

// Model is the validated, typed view over both mapping tables.
type Model struct {
	sources      map[string]*SourceFieldSpec
	sourceOrder  []string
	destinations map[string]*DestinationFieldSpec
	values       map[string]*ValueMapping
}

// New validates the specifications and derives the value mappings.
func New(sources []SourceFieldSpec, destinations []DestinationFieldSpec) (*Model, error) {
	m := &Model{
		sources:      make(map[string]*SourceFieldSpec, len(sources)),
		destinations: make(map[string]*DestinationFieldSpec, len(destinations)),
		values:       make(map[string]*ValueMapping),
	}
	for i := range destinations {
		d := destinations[i]
		if d.Variable == "" {
			return nil, errorf("", "destination row %d has no variable", i+1)
		}
		if len(d.ValuesConceptID) > 0 && len(d.ValuesConceptID) != len(d.Values) {
			return nil, errorf(d.Variable, "destination values and values_concept_id differ in length")
		}
		m.destinations[d.Variable] = &d
	}
	for i := range sources {
		s := sources[i]
		if s.Variable == "" {
			return nil, errorf("", "source row %d has no variable", i+1)
		}
		if _, dup := m.sources[s.Variable]; !dup {
			m.sourceOrder = append(m.sourceOrder, s.Variable)
		}
		m.sources[s.Variable] = &s
	}
	for _, key := range m.sourceOrder {
		if err := m.validateSource(m.sources[key]); err != nil {
			return nil, err
		}
	}
	if date, ok := m.sources[KeyDate]; !ok || date.SourceVariable == "" {
		return nil, errorf(KeyDate, "a date variable is required to resolve visits")
	}
	return m, nil
}

func (m *Model) validateSource(s *SourceFieldSpec) error {
	switch s.Aggregate {
	case "", AggregateMean, AggregateSum:
	default:
		return errorf(s.Variable, "unrecognized aggregate function %q", s.Aggregate)
	}
	if s.Variable == KeyDate && s.Format == "" {
		return errorf(s.Variable, "format required for the visit date")
	}
	dest := m.destinations[s.Variable]
	if dest != nil && dest.Type == TypeDate && s.SourceVariable != "" && s.Format == "" {
		return errorf(s.Variable, "format required for a date-typed variable")
	}
	if len(s.Values) == 0 {
		return nil
	}
	if len(s.ValuesParsed) != len(s.Values) {
		return errorf(s.Variable, "values declared without matching values_parsed")
	}
	if dest == nil {
		return errorf(s.Variable, "values declared but the destination mapping has no entry")
	}
	vm, err := buildValueMapping(s, dest)
	if err != nil {
		return err
	}
	m.values[s.Variable] = vm
	return nil
}

// buildValueMapping chains raw -> parsed and, when the destination carries
// concept codes, parsed -> concept.
func buildValueMapping(s *SourceFieldSpec, dest *DestinationFieldSpec) (*ValueMapping, error) {
	parsed := make(map[string]string, len(s.Values)+1)
	for i, raw := range s.Values {
		parsed[raw] = s.ValuesParsed[i]
	}
	if len(dest.ValuesConceptID) == 0 {
		if _, ok := parsed[SkipValue]; !ok {
			parsed[SkipValue] = SkipValue
		}
		return &ValueMapping{Codes: parsed, IsConcept: false}, nil
	}

	concepts := make(map[string]string, len(dest.Values)+1)
	for i, v := range dest.Values {
		concepts[v] = dest.ValuesConceptID[i]
	}
	concepts[SkipValue] = SkipValue

	codes := make(map[string]string, len(parsed)+1)
	for raw, p := range parsed {
		code, ok := concepts[p]
		if !ok {
			return nil, errorf(s.Variable, "parsed value %q has no destination concept", p)
		}
		codes[raw] = code
	}
	if _, ok := codes[SkipValue]; !ok {
		codes[SkipValue] = SkipValue
	}
	return &ValueMapping{Codes: codes, IsConcept: true}, nil
}

// Source returns the source specification for key.
func (m *Model) Source(key string) (*SourceFieldSpec, bool) {
	s, ok := m.sources[key]
	return s, ok
}

// Destination returns the destination specification for key.
func (m *Model) Destination(key string) (*DestinationFieldSpec, bool) {
	d, ok := m.destinations[key]
	return d, ok
}

// ValueMapping returns the categorical translation table for key, if any.
func (m *Model) ValueMapping(key string) (*ValueMapping, bool) {
	v, ok := m.values[key]
	return v, ok
}

// DateParameters returns the columns, format and limit of key. ok is false
// when key is empty or not in the source mapping.
func (m *Model) DateParameters(key string) (DateParameters, bool) {
	s, ok := m.sources[key]
	if key == "" || !ok {
		return DateParameters{}, false
	}
	return DateParameters{
		SourceVariables: s.SourceVariables(),
		Format:          s.Format,
		Limit:           s.Limit,
	}, true
}

// SourceKeys lists the source variables in mapping file order.
func (m *Model) SourceKeys() []string {
	out := make([]string, len(m.sourceOrder))
	copy(out, m.sourceOrder)
	return out
}

// VisitDates returns the parameters of the visit date variable.
func (m *Model) VisitDates() DateParameters {
	p, _ := m.DateParameters(KeyDate)
	return p
}

// SourceVariable returns the primary column of key, or "".
func (m *Model) SourceVariable(key string) string {
	if s, ok := m.sources[key]; ok {
		return s.SourceVariable
	}
	return ""
}

// IsDateKey reports whether key names a date variable, which are consumed by
// visit resolution rather than emitted.
func IsDateKey(key string) bool {
	return strings.Contains(strings.ToLower(key), KeyDate)
}

// IsPersonKey reports whether key is read by person resolution.
func IsPersonKey(key string) bool {
	switch key {
	case KeySourceID, KeySex, KeyBirthYear, KeyAge, KeyDeathDate, KeyDeathFlag:
		return true
	}
	return false
}
