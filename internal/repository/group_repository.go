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

// GroupRepository handles persistence of student groups and their memberships.
type GroupRepository struct {
	db *sqlx.DB
}

// NewGroupRepository constructs the repository.
func NewGroupRepository(db *sqlx.DB) *GroupRepository {
	return &GroupRepository{db: db}
}

const groupColumns = `id, module_id, course_id, name, description, owner_id, created_at, updated_at`

// FindByID returns a student group by its ID.
func (r *GroupRepository) FindByID(ctx context.Context, id string) (*models.StudentGroup, error) {
	query := fmt.Sprintf("SELECT %s FROM groups WHERE id = $1", groupColumns)
	var group models.StudentGroup
	if err := r.db.GetContext(ctx, &group, query, id); err != nil {
		return nil, err
	}
	return &group, nil
}

// ListByModule returns all groups under a module instance ordered by name.
func (r *GroupRepository) ListByModule(ctx context.Context, moduleID string) ([]models.StudentGroup, error) {
	query := fmt.Sprintf("SELECT %s FROM groups WHERE module_id = $1 ORDER BY name ASC", groupColumns)
	var groups []models.StudentGroup
	if err := r.db.SelectContext(ctx, &groups, query, moduleID); err != nil {
		return nil, fmt.Errorf("list module groups: %w", err)
	}
	return groups, nil
}

// OwnsGroupInModule reports whether the user already owns a group in the module.
func (r *GroupRepository) OwnsGroupInModule(ctx context.Context, moduleID, userID string) (bool, error) {
	const query = `SELECT 1 FROM groups WHERE module_id = $1 AND owner_id = $2 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, moduleID, userID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check group ownership: %w", err)
	}
	return true, nil
}

// JoinedGroupID returns the ID of the group the user belongs to within the
// module, or empty when the user holds no membership under the module.
func (r *GroupRepository) JoinedGroupID(ctx context.Context, moduleID, userID string) (string, error) {
	const query = `SELECT m.group_id FROM memberships m
        JOIN groups g ON g.id = m.group_id
        WHERE g.module_id = $1 AND m.user_id = $2 LIMIT 1`
	var groupID string
	if err := r.db.GetContext(ctx, &groupID, query, moduleID, userID); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("find joined group: %w", err)
	}
	return groupID, nil
}

// CountMembers returns the member count of a group.
func (r *GroupRepository) CountMembers(ctx context.Context, groupID string) (int, error) {
	const query = `SELECT COUNT(*) FROM memberships WHERE group_id = $1`
	var count int
	if err := r.db.GetContext(ctx, &count, query, groupID); err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return count, nil
}

// CountMembersByCountry returns the member count of a group for one country.
func (r *GroupRepository) CountMembersByCountry(ctx context.Context, groupID, country string) (int, error) {
	const query = `SELECT COUNT(*) FROM memberships m
        JOIN users u ON u.id = m.user_id
        WHERE m.group_id = $1 AND u.country = $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, groupID, country); err != nil {
		return 0, fmt.Errorf("count members by country: %w", err)
	}
	return count, nil
}

// CountryBreakdown tallies members per country for a group.
func (r *GroupRepository) CountryBreakdown(ctx context.Context, groupID string) ([]models.CountryCount, error) {
	const query = `SELECT u.country AS country, COUNT(*) AS count FROM memberships m
        JOIN users u ON u.id = m.user_id
        WHERE m.group_id = $1
        GROUP BY u.country ORDER BY u.country ASC`
	var counts []models.CountryCount
	if err := r.db.SelectContext(ctx, &counts, query, groupID); err != nil {
		return nil, fmt.Errorf("country breakdown: %w", err)
	}
	return counts, nil
}

// ListMembers returns membership rows joined with user display attributes in
// insertion order.
func (r *GroupRepository) ListMembers(ctx context.Context, groupID string) ([]models.GroupMember, error) {
	const query = `SELECT m.group_id, m.user_id, u.full_name, u.country, m.joined_at
        FROM memberships m
        JOIN users u ON u.id = m.user_id
        WHERE m.group_id = $1
        ORDER BY m.joined_at ASC`
	var members []models.GroupMember
	if err := r.db.SelectContext(ctx, &members, query, groupID); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

// Create persists a new student group record.
func (r *GroupRepository) Create(ctx context.Context, group *models.StudentGroup) error {
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if group.CreatedAt.IsZero() {
		group.CreatedAt = now
	}
	group.UpdatedAt = now
	const query = `INSERT INTO groups (id, module_id, course_id, name, description, owner_id, created_at, updated_at)
        VALUES (:id, :module_id, :course_id, :name, :description, :owner_id, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, group); err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

// Update rewrites the group's name and description.
func (r *GroupRepository) Update(ctx context.Context, group *models.StudentGroup) error {
	group.UpdatedAt = time.Now().UTC()
	const query = `UPDATE groups SET name = :name, description = :description, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, group); err != nil {
		return fmt.Errorf("update group: %w", err)
	}
	return nil
}

// Delete removes the group row. Memberships must already be gone; the service
// enforces the memberships-then-group ordering.
func (r *GroupRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM groups WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return nil
}

// AddMembership inserts a membership row for the user.
func (r *GroupRepository) AddMembership(ctx context.Context, groupID, userID string, joinedAt time.Time) error {
	const query = `INSERT INTO memberships (group_id, user_id, joined_at) VALUES ($1, $2, $3)`
	if _, err := r.db.ExecContext(ctx, query, groupID, userID, joinedAt); err != nil {
		return fmt.Errorf("add membership: %w", err)
	}
	return nil
}

// RemoveMembership deletes the membership row for (group, user).
func (r *GroupRepository) RemoveMembership(ctx context.Context, groupID, userID string) error {
	const query = `DELETE FROM memberships WHERE group_id = $1 AND user_id = $2`
	if _, err := r.db.ExecContext(ctx, query, groupID, userID); err != nil {
		return fmt.Errorf("remove membership: %w", err)
	}
	return nil
}

// RemoveAllMemberships deletes every membership of a group.
func (r *GroupRepository) RemoveAllMemberships(ctx context.Context, groupID string) error {
	const query = `DELETE FROM memberships WHERE group_id = $1`
	if _, err := r.db.ExecContext(ctx, query, groupID); err != nil {
		return fmt.Errorf("remove group memberships: %w", err)
	}
	return nil
}
