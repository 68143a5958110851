package models

import "time"

// StudentGroup is a student-created, pre-promotion group awaiting the apply
// step. A student may own at most one group per module instance.
type StudentGroup struct {
	ID          string    `db:"id" json:"id"`
	ModuleID    string    `db:"module_id" json:"module_id"`
	CourseID    string    `db:"course_id" json:"course_id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	OwnerID     string    `db:"owner_id" json:"owner_id"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Membership associates a user with a StudentGroup. Uniqueness is scoped to
// the module instance, not the group row: joins check for any membership under
// the same module before inserting.
type Membership struct {
	GroupID  string    `db:"group_id" json:"group_id"`
	UserID   string    `db:"user_id" json:"user_id"`
	JoinedAt time.Time `db:"joined_at" json:"joined_at"`
}

// GroupMember is a membership row joined with user display attributes.
type GroupMember struct {
	GroupID  string    `db:"group_id" json:"group_id"`
	UserID   string    `db:"user_id" json:"user_id"`
	FullName string    `db:"full_name" json:"full_name"`
	Country  string    `db:"country" json:"country"`
	JoinedAt time.Time `db:"joined_at" json:"joined_at"`
	Owner    bool      `db:"-" json:"owner"`
}

// CountryCount tallies members of one country within a group.
type CountryCount struct {
	Country string `db:"country" json:"country"`
	Count   int    `db:"count" json:"count"`
}

// GroupView is the per-group payload of the module group listing, carrying
// the acting user's join/leave/edit eligibility and warning reasons.
type GroupView struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	MemberCount  int            `json:"member_count"`
	Members      []GroupMember  `json:"members"`
	Countries    []CountryCount `json:"countries,omitempty"`
	Joined       bool           `json:"joined"`
	Joinable     bool           `json:"joinable"`
	Leaveable    bool           `json:"leaveable"`
	Editable     bool           `json:"editable"`
	Applicable   bool           `json:"applicable"`
	WarningTexts []string       `json:"warning_texts,omitempty"`
}

// ModuleGroupsView is the full group listing for one module instance.
type ModuleGroupsView struct {
	ModuleID       string      `json:"module_id"`
	Active         bool        `json:"active"`
	Applied        bool        `json:"applied"`
	MinMembers     int         `json:"min_members"`
	MaxMembers     int         `json:"max_members"`
	MaxPerCountry  int         `json:"max_members_per_country"`
	CanCreateGroup bool        `json:"can_create_group"`
	CanApplyGroups bool        `json:"can_apply_groups"`
	JoinedGroupID  *string     `json:"joined_group_id,omitempty"`
	Groups         []GroupView `json:"groups"`
}

// ApplySummary previews an apply operation: how many groups and members will
// be promoted and how many fall below the eligibility floor.
type ApplySummary struct {
	ApplicableGroups    int `json:"applicable_groups"`
	ApplicableMembers   int `json:"applicable_members"`
	InapplicableGroups  int `json:"inapplicable_groups"`
	InapplicableMembers int `json:"inapplicable_members"`
}
