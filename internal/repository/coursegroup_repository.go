package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/customgroups-api/internal/models"
)

// CourseGroupRepository writes into the host platform's permanent course-group
// tables. It is the destination system of the apply step.
type CourseGroupRepository struct {
	db *sqlx.DB
}

// NewCourseGroupRepository constructs the repository.
func NewCourseGroupRepository(db *sqlx.DB) *CourseGroupRepository {
	return &CourseGroupRepository{db: db}
}

// CreatePermanentGroup inserts a permanent course group and returns its ID.
func (r *CourseGroupRepository) CreatePermanentGroup(ctx context.Context, courseID, name string) (string, error) {
	group := models.CourseGroup{
		ID:        uuid.NewString(),
		CourseID:  courseID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	const query = `INSERT INTO course_groups (id, course_id, name, created_at)
        VALUES (:id, :course_id, :name, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, group); err != nil {
		return "", fmt.Errorf("create course group: %w", err)
	}
	return group.ID, nil
}

// AssignToGrouping links a permanent group to a grouping.
func (r *CourseGroupRepository) AssignToGrouping(ctx context.Context, groupingID, groupID string) error {
	const query = `INSERT INTO grouping_groups (grouping_id, group_id) VALUES ($1, $2)`
	if _, err := r.db.ExecContext(ctx, query, groupingID, groupID); err != nil {
		return fmt.Errorf("assign group to grouping: %w", err)
	}
	return nil
}

// AddMember adds a user to a permanent course group.
func (r *CourseGroupRepository) AddMember(ctx context.Context, groupID, userID string) error {
	const query = `INSERT INTO course_group_members (group_id, user_id, added_at) VALUES ($1, $2, $3)`
	if _, err := r.db.ExecContext(ctx, query, groupID, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("add course group member: %w", err)
	}
	return nil
}

// GroupingExists reports whether a grouping exists for a course.
func (r *CourseGroupRepository) GroupingExists(ctx context.Context, courseID, groupingID string) (bool, error) {
	const query = `SELECT 1 FROM groupings WHERE id = $1 AND course_id = $2 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, groupingID, courseID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check grouping: %w", err)
	}
	return true, nil
}
