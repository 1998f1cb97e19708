package fact

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Domain is the table a fact is written to.
type Domain string

const (
	Observation Domain = "Observation"
	Measurement Domain = "Measurement"
	Condition   Domain = "Condition"
)

// Domains lists every fact domain in flush order.
var Domains = []Domain{Observation, Measurement, Condition}

// Valid reports whether d is a fact domain.
func (d Domain) Valid() bool {
	return d == Observation || d == Measurement || d == Condition
}

// Fact is one clinical event (observation, measurement or condition) emitted
// for a row, wave and destination variable. Facts are never updated.
type Fact struct {
	ID                int64
	Domain            Domain
	PersonID          int64
	ConceptID         int64
	Datetime          time.Time
	ValueNumber       *float64
	ValueString       *string
	ValueConceptID    *int64
	UnitConceptID     *int64
	OperatorConceptID *int64
	VisitID           *int64
	SourceValue       string
	AdditionalInfo    *string
}

// Widths of the free text columns facts are written to. The value and
// additional info columns are VARCHAR(255) in every domain table.
const (
	MaxValueStringLength    = 255
	MaxAdditionalInfoLength = 255
)

// DefaultDatetime is used when no event date could be resolved.
var DefaultDatetime = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// key identifies facts that are duplicates of each other: same person,
// concept, time, value and visit.
func (f *Fact) key() string {
	var b strings.Builder
	b.WriteString(string(f.Domain))
	fmt.Fprintf(&b, "|%d|%d|%d", f.PersonID, f.ConceptID, f.Datetime.Unix())
	if f.Domain != Condition {
		b.WriteByte('|')
		switch {
		case f.ValueConceptID != nil:
			b.WriteString("c" + strconv.FormatInt(*f.ValueConceptID, 10))
		case f.ValueNumber != nil:
			b.WriteString("n" + strconv.FormatFloat(*f.ValueNumber, 'g', -1, 64))
		case f.ValueString != nil:
			b.WriteString("s" + *f.ValueString)
		}
	}
	if f.VisitID != nil {
		fmt.Fprintf(&b, "|v%d", *f.VisitID)
	}
	return b.String()
}
