package mapping

import "strings"

// Domain is the clinical table a destination variable is written to.
type Domain string

const (
	DomainPerson        Domain = "Person"
	DomainObservation   Domain = "Observation"
	DomainMeasurement   Domain = "Measurement"
	DomainCondition     Domain = "Condition"
	DomainNotApplicable Domain = "NA"
)

// IsFact reports whether values of the domain are emitted as clinical facts.
func (d Domain) IsFact() bool {
	return d == DomainObservation || d == DomainMeasurement || d == DomainCondition
}

// IsKnown reports whether d is one of the recognized domains.
func (d Domain) IsKnown() bool {
	return d.IsFact() || d == DomainPerson || d == DomainNotApplicable
}

// ValueType is the declared type of a destination value.
type ValueType string

const (
	TypeDate    ValueType = "date"
	TypeInt     ValueType = "int"
	TypeNumeric ValueType = "numeric"
	TypeText    ValueType = "text"
	TypeBool    ValueType = "bool"
)

// Aggregate names the function combining the values of several source columns.
type Aggregate string

const (
	AggregateMean Aggregate = "mean"
	AggregateSum  Aggregate = "sum"
)

// Reserved variable keys with a fixed meaning for person and visit resolution.
const (
	KeySex        = "sex"
	KeyBirthYear  = "birth_year"
	KeyAge        = "age"
	KeyDate       = "date"
	KeySourceID   = "source_id"
	KeyDeathDate  = "mort_date"
	KeyDeathFlag  = "mort"
	DefaultValue  = "-"
	SkipValue     = "skip"
	ListSeparator = "/"
)

// SourceFieldSpec describes how one variable is read out of the raw dataset.
type SourceFieldSpec struct {
	Variable       string
	SourceVariable string
	Alternatives   []string
	StaticValue    string
	Format         string
	Limit          *float64
	Values         []string
	ValuesParsed   []string
	Condition      []string
	Aggregate      Aggregate
	Conversion     *float64
	Threshold      *float64
}

// SourceVariables returns the primary column followed by the alternatives.
func (s *SourceFieldSpec) SourceVariables() []string {
	if s.SourceVariable == "" {
		return nil
	}
	vars := make([]string, 0, 1+len(s.Alternatives))
	vars = append(vars, s.SourceVariable)
	return append(vars, s.Alternatives...)
}

// MatchesCondition reports whether the raw value satisfies the condition
// filter. A spec without a filter matches everything.
func (s *SourceFieldSpec) MatchesCondition(raw string) bool {
	if len(s.Condition) == 0 {
		return true
	}
	for _, c := range s.Condition {
		if c == raw {
			return true
		}
	}
	return false
}

// DestinationFieldSpec describes where a variable lands in the clinical model.
type DestinationFieldSpec struct {
	Variable        string
	Domain          Domain
	ConceptID       int64
	Values          []string
	ValuesConceptID []string
	ValuesRange     string
	Type            ValueType
	Date            string
	AdditionalInfo  string
	UnitConceptID   *int64
}

// ValueMapping translates a raw or parsed value into the emitted code. When
// IsConcept is set the codes are concept identifiers.
type ValueMapping struct {
	Codes     map[string]string
	IsConcept bool
}

// Lookup returns the code for value.
func (v *ValueMapping) Lookup(value string) (string, bool) {
	code, ok := v.Codes[value]
	return code, ok
}

// Default returns the code configured for unmatched values.
func (v *ValueMapping) Default() (string, bool) {
	return v.Lookup(DefaultValue)
}

// DateParameters groups what is needed to read a date-bearing variable.
type DateParameters struct {
	SourceVariables []string
	Format          string
	Limit           *float64
}

func splitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, ListSeparator)
}
