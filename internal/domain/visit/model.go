package visit

import "time"

// Visit maps to the visit_occurrence table. Visits created from a dataset are
// point-in-time, so Start and End are equal.
type Visit struct {
	ID         int64     `db:"visit_occurrence_id" json:"visit_occurrence_id"`
	PersonID   int64     `db:"person_id" json:"person_id"`
	Start      time.Time `db:"visit_start_datetime" json:"visit_start_datetime"`
	End        time.Time `db:"visit_end_datetime" json:"visit_end_datetime"`
	CareSiteID *int64    `db:"care_site_id" json:"care_site_id,omitempty"`
}
