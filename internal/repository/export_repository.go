package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/customgroups-api/internal/models"
)

// ExportRepository handles persistence of roster export jobs.
type ExportRepository struct {
	db *sqlx.DB
}

// NewExportRepository constructs the repository.
func NewExportRepository(db *sqlx.DB) *ExportRepository {
	return &ExportRepository{db: db}
}

// Create persists a new export job record.
func (r *ExportRepository) Create(ctx context.Context, job *models.ExportJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = models.ExportStatusQueued
	}
	const query = `INSERT INTO export_jobs (id, params, status, result_path, created_by, created_at, finished_at, error_message)
        VALUES (:id, :params, :status, :result_path, :created_by, :created_at, :finished_at, :error_message)`
	if _, err := r.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("create export job: %w", err)
	}
	return nil
}

// FindByID returns an export job by its ID.
func (r *ExportRepository) FindByID(ctx context.Context, id string) (*models.ExportJob, error) {
	const query = `SELECT id, params, status, result_path, created_by, created_at, finished_at, error_message
        FROM export_jobs WHERE id = $1`
	var job models.ExportJob
	if err := r.db.GetContext(ctx, &job, query, id); err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateExportJobParams captures partial updates applied by the worker.
type UpdateExportJobParams struct {
	Status       *models.ExportStatus
	ResultPath   *string
	ErrorMessage *string
	FinishedAt   *time.Time
}

// Update applies the provided partial update to an export job.
func (r *ExportRepository) Update(ctx context.Context, id string, params UpdateExportJobParams) error {
	const query = `UPDATE export_jobs SET
        status = COALESCE($2, status),
        result_path = COALESCE($3, result_path),
        error_message = COALESCE($4, error_message),
        finished_at = COALESCE($5, finished_at)
        WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, params.Status, params.ResultPath, params.ErrorMessage, params.FinishedAt); err != nil {
		return fmt.Errorf("update export job: %w", err)
	}
	return nil
}
