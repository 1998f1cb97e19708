package cohort

// Cohort is the care_site row that groups every person of one data
// collection effort.
type Cohort struct {
	ID         int64  `db:"care_site_id" json:"care_site_id"`
	Name       string `db:"care_site_name" json:"care_site_name"`
	LocationID int64  `db:"location_id" json:"location_id"`
}
