package models

import "time"

// ModuleInstance is one deployment of the custom-groups activity within a
// course. Threshold fields use 0 to mean "unlimited"; once Applied is set the
// condition fields are immutable and the instance can never reopen.
type ModuleInstance struct {
	ID                   string     `db:"id" json:"id"`
	CourseID             string     `db:"course_id" json:"course_id"`
	Name                 string     `db:"name" json:"name"`
	Intro                string     `db:"intro" json:"intro"`
	Active               bool       `db:"active" json:"active"`
	Applied              bool       `db:"applied" json:"applied"`
	DefaultGroupingID    *string    `db:"default_grouping_id" json:"default_grouping_id,omitempty"`
	MinMembers           int        `db:"min_members" json:"min_members"`
	MaxMembers           int        `db:"max_members" json:"max_members"`
	MinMembersPerCountry int        `db:"min_members_per_country" json:"min_members_per_country"`
	MaxMembersPerCountry int        `db:"max_members_per_country" json:"max_members_per_country"`
	TimeDeactivated      *time.Time `db:"time_deactivated" json:"time_deactivated,omitempty"`
	TimeCreated          time.Time  `db:"time_created" json:"time_created"`
	TimeModified         time.Time  `db:"time_modified" json:"time_modified"`
}

// IsActive reports whether the instance is currently open for creating or
// joining groups.
func (m *ModuleInstance) IsActive(now time.Time) bool {
	if !m.Active {
		return false
	}
	return m.TimeDeactivated == nil || now.Before(*m.TimeDeactivated)
}

// ModuleFilter provides filters for listing module instances.
type ModuleFilter struct {
	CourseID  string
	Applied   *bool
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
