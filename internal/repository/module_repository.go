package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/customgroups-api/internal/models"
)

// ModuleRepository handles persistence of module instances.
type ModuleRepository struct {
	db *sqlx.DB
}

// NewModuleRepository constructs the repository.
func NewModuleRepository(db *sqlx.DB) *ModuleRepository {
	return &ModuleRepository{db: db}
}

const moduleColumns = `id, course_id, name, intro, active, applied, default_grouping_id,
        min_members, max_members, min_members_per_country, max_members_per_country,
        time_deactivated, time_created, time_modified`

// List returns module instances filtered by the provided criteria.
func (r *ModuleRepository) List(ctx context.Context, filter models.ModuleFilter) ([]models.ModuleInstance, int, error) {
	base := "FROM modules"
	var conditions []string
	var args []interface{}

	if filter.CourseID != "" {
		conditions = append(conditions, fmt.Sprintf("course_id = $%d", len(args)+1))
		args = append(args, filter.CourseID)
	}
	if filter.Applied != nil {
		conditions = append(conditions, fmt.Sprintf("applied = $%d", len(args)+1))
		args = append(args, *filter.Applied)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"name":         "name",
		"time_created": "time_created",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "time_created"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s %s ORDER BY %s %s LIMIT %d OFFSET %d",
		moduleColumns, base+clause, orderBy, order, size, offset)

	var modules []models.ModuleInstance
	if err := r.db.SelectContext(ctx, &modules, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list modules: %w", err)
	}

	countQuery := "SELECT COUNT(*) " + base + clause
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count modules: %w", err)
	}
	return modules, total, nil
}

// FindByID returns a module instance by its ID.
func (r *ModuleRepository) FindByID(ctx context.Context, id string) (*models.ModuleInstance, error) {
	query := fmt.Sprintf("SELECT %s FROM modules WHERE id = $1", moduleColumns)
	var module models.ModuleInstance
	if err := r.db.GetContext(ctx, &module, query, id); err != nil {
		return nil, err
	}
	return &module, nil
}

// Create persists a new module instance record.
func (r *ModuleRepository) Create(ctx context.Context, module *models.ModuleInstance) error {
	if module.ID == "" {
		module.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if module.TimeCreated.IsZero() {
		module.TimeCreated = now
	}
	module.TimeModified = now
	const query = `INSERT INTO modules (id, course_id, name, intro, active, applied, default_grouping_id,
        min_members, max_members, min_members_per_country, max_members_per_country,
        time_deactivated, time_created, time_modified)
        VALUES (:id, :course_id, :name, :intro, :active, :applied, :default_grouping_id,
        :min_members, :max_members, :min_members_per_country, :max_members_per_country,
        :time_deactivated, :time_created, :time_modified)`
	if _, err := r.db.NamedExecContext(ctx, query, module); err != nil {
		return fmt.Errorf("create module: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields of a module instance.
func (r *ModuleRepository) Update(ctx context.Context, module *models.ModuleInstance) error {
	module.TimeModified = time.Now().UTC()
	const query = `UPDATE modules SET name = :name, intro = :intro, active = :active,
        default_grouping_id = :default_grouping_id, min_members = :min_members,
        max_members = :max_members, min_members_per_country = :min_members_per_country,
        max_members_per_country = :max_members_per_country, time_deactivated = :time_deactivated,
        time_modified = :time_modified
        WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, module); err != nil {
		return fmt.Errorf("update module: %w", err)
	}
	return nil
}

// MarkApplied flips the one-way applied latch and closes the instance.
func (r *ModuleRepository) MarkApplied(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE modules SET active = FALSE, applied = TRUE, time_modified = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("mark module applied: %w", err)
	}
	return nil
}

// Delete removes the module instance row. Group cascades are the service's
// responsibility and must happen first.
func (r *ModuleRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM modules WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete module: %w", err)
	}
	return nil
}
