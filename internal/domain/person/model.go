package person

import (
	"fmt"
	"time"
)

// Person maps to the person table.
type Person struct {
	ID                int64      `db:"person_id" json:"person_id"`
	GenderConceptID   int64      `db:"gender_concept_id" json:"gender_concept_id"`
	GenderSourceValue *string    `db:"gender_source_value" json:"gender_source_value,omitempty"`
	YearOfBirth       int        `db:"year_of_birth" json:"year_of_birth"`
	DeathDatetime     *time.Time `db:"death_datetime" json:"death_datetime,omitempty"`
	CareSiteID        *int64     `db:"care_site_id" json:"care_site_id,omitempty"`
}

// Column widths of the person tables.
const (
	MaxGenderSourceValueLength = 50
	MaxSourceIDLength          = 100
)

// Identity links a natural id from the dataset to a generated person id. The
// (SourceID, CohortID) pair is unique.
type Identity struct {
	SourceID string `db:"source_id" json:"source_id"`
	CohortID int64  `db:"cohort_id" json:"cohort_id"`
	PersonID int64  `db:"person_id" json:"person_id"`
}

// DeathDatePolicy decides what happens when a later row reports a death date
// for a person that already has one.
type DeathDatePolicy string

const (
	DeathDateLast     DeathDatePolicy = "last"
	DeathDateEarliest DeathDatePolicy = "earliest"
	DeathDateReject   DeathDatePolicy = "reject"
)

// ParseDeathDatePolicy accepts "", last, earliest or reject.
func ParseDeathDatePolicy(s string) (DeathDatePolicy, error) {
	switch DeathDatePolicy(s) {
	case "":
		return DeathDateLast, nil
	case DeathDateLast, DeathDateEarliest, DeathDateReject:
		return DeathDatePolicy(s), nil
	}
	return "", fmt.Errorf("invalid death date policy: %s", s)
}

// IdentityConflictError is returned under DeathDateReject when two rows for
// the same person disagree on the death date. It only skips the row.
type IdentityConflictError struct {
	PersonID int64
	Current  time.Time
	Incoming time.Time
}

func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("person %d: conflicting death dates %s and %s",
		e.PersonID, e.Current.Format(time.DateTime), e.Incoming.Format(time.DateTime))
}

func cohortKey(cohortID *int64) int64 {
	if cohortID == nil {
		return 0
	}
	return *cohortID
}
