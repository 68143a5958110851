package models

import "time"

// CourseGroup is a permanent group in the host course-group system, the
// destination of the apply step.
type CourseGroup struct {
	ID        string    `db:"id" json:"id"`
	CourseID  string    `db:"course_id" json:"course_id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// CourseGroupMember links a user to a permanent course group.
type CourseGroupMember struct {
	GroupID string    `db:"group_id" json:"group_id"`
	UserID  string    `db:"user_id" json:"user_id"`
	AddedAt time.Time `db:"added_at" json:"added_at"`
}

// Grouping is a named collection of permanent course groups.
type Grouping struct {
	ID       string `db:"id" json:"id"`
	CourseID string `db:"course_id" json:"course_id"`
	Name     string `db:"name" json:"name"`
}
