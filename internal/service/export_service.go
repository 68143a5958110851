package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/customgroups-api/internal/models"
	"github.com/noah-isme/customgroups-api/internal/repository"
	appErrors "github.com/noah-isme/customgroups-api/pkg/errors"
	"github.com/noah-isme/customgroups-api/pkg/export"
	"github.com/noah-isme/customgroups-api/pkg/jobs"
)

type exportJobRepository interface {
	Create(ctx context.Context, job *models.ExportJob) error
	FindByID(ctx context.Context, id string) (*models.ExportJob, error)
	Update(ctx context.Context, id string, params repository.UpdateExportJobParams) error
}

type exportDataReader interface {
	ListByModule(ctx context.Context, moduleID string) ([]models.StudentGroup, error)
	ListMembers(ctx context.Context, groupID string) ([]models.GroupMember, error)
}

type jobEnqueuer interface {
	Enqueue(job jobs.Job) error
}

type exportStore interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
}

type urlSigner interface {
	Generate(jobID, relPath string) (string, time.Time, error)
	Parse(token string) (jobID, relPath string, expiresAt time.Time, err error)
}

// ExportStatusResponse reports job progress and, once finished, a signed
// download URL.
type ExportStatusResponse struct {
	Job          *models.ExportJob `json:"job"`
	DownloadURL  string            `json:"download_url,omitempty"`
	URLExpiresAt *time.Time        `json:"url_expires_at,omitempty"`
}

// ExportService generates module roster exports asynchronously: jobs are
// persisted, pushed to a worker queue and their results served through
// signed URLs.
type ExportService struct {
	exports exportJobRepository
	modules moduleReader
	groups  exportDataReader
	queue   jobEnqueuer
	store   exportStore
	signer  urlSigner
	csv     *export.CSVExporter
	pdf     *export.PDFExporter
	logger  *zap.Logger
}

// NewExportService constructs the service.
func NewExportService(
	exports exportJobRepository,
	modules moduleReader,
	groups exportDataReader,
	queue jobEnqueuer,
	store exportStore,
	signer urlSigner,
	logger *zap.Logger,
) *ExportService {
	return &ExportService{
		exports: exports,
		modules: modules,
		groups:  groups,
		queue:   queue,
		store:   store,
		signer:  signer,
		csv:     export.NewCSVExporter(),
		pdf:     export.NewPDFExporter(),
		logger:  logger,
	}
}

// JobTypeRosterExport identifies roster export jobs on the queue.
const JobTypeRosterExport = "roster_export"

// CreateJob persists an export job and enqueues it for processing. A job
// that cannot be enqueued is marked failed immediately.
func (s *ExportService) CreateJob(ctx context.Context, moduleID string, format models.ExportFormat, actor *models.User) (*models.ExportJob, error) {
	if format != models.ExportFormatCSV && format != models.ExportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unsupported export format")
	}

	if _, err := s.modules.FindByID(ctx, moduleID); err != nil {
		return nil, notFoundOrInternal(err, "module not found", "failed to load module")
	}

	job := &models.ExportJob{
		ID:        uuid.NewString(),
		Params:    models.ExportJobParams{ModuleID: moduleID, Format: format},
		Status:    models.ExportStatusQueued,
		CreatedBy: actor.ID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.exports.Create(ctx, job); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist export job")
	}

	if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: JobTypeRosterExport, Payload: job.Params}); err != nil {
		s.markFailed(ctx, job.ID, "failed to enqueue export job")
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue export job")
	}

	s.logger.Info("export job queued",
		zap.String("job_id", job.ID),
		zap.String("module_id", moduleID),
		zap.String("format", string(format)),
	)
	return job, nil
}

// GetStatus returns the job with a signed download URL once finished. Only
// the creator or administrative roles may read a job.
func (s *ExportService) GetStatus(ctx context.Context, jobID string, actor *models.User) (*ExportStatusResponse, error) {
	job, err := s.exports.FindByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "export job not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load export job")
	}

	if job.CreatedBy != actor.ID && actor.Role != models.RoleAdmin && actor.Role != models.RoleSuperAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "export job belongs to another user")
	}

	resp := &ExportStatusResponse{Job: job}
	if job.Status == models.ExportStatusFinished && job.ResultPath != nil {
		token, expiresAt, err := s.signer.Generate(job.ID, *job.ResultPath)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download url")
		}
		resp.DownloadURL = "/api/v1/exports/download?token=" + token
		resp.URLExpiresAt = &expiresAt
	}
	return resp, nil
}

// Download validates a signed token and opens the referenced file.
func (s *ExportService) Download(ctx context.Context, token string) (*os.File, *models.ExportJob, error) {
	jobID, relPath, _, err := s.signer.Parse(token)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid download token")
	}

	job, err := s.exports.FindByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "export job not found")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load export job")
	}
	if job.Status != models.ExportStatusFinished || job.ResultPath == nil || *job.ResultPath != relPath {
		return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "export result not available")
	}

	file, err := s.store.Open(relPath)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open export file")
	}
	return file, job, nil
}

// Process is the queue handler: it renders the roster and stores the result.
func (s *ExportService) Process(ctx context.Context, job jobs.Job) error {
	params, ok := job.Payload.(models.ExportJobParams)
	if !ok {
		s.markFailed(ctx, job.ID, "invalid job payload")
		return fmt.Errorf("export job %s: unexpected payload type %T", job.ID, job.Payload)
	}

	processing := models.ExportStatusProcessing
	if err := s.exports.Update(ctx, job.ID, repository.UpdateExportJobParams{Status: &processing}); err != nil {
		return fmt.Errorf("mark export job processing: %w", err)
	}

	data, err := s.buildRoster(ctx, params.ModuleID)
	if err != nil {
		s.markFailed(ctx, job.ID, err.Error())
		return err
	}

	var payload []byte
	switch params.Format {
	case models.ExportFormatPDF:
		payload, err = s.pdf.Render(*data, "group roster")
	default:
		payload, err = s.csv.Render(*data)
	}
	if err != nil {
		s.markFailed(ctx, job.ID, err.Error())
		return err
	}

	filename := fmt.Sprintf("%s/%s.%s", params.ModuleID, job.ID, params.Format)
	relPath, err := s.store.Save(filename, payload)
	if err != nil {
		s.markFailed(ctx, job.ID, err.Error())
		return err
	}

	finished := models.ExportStatusFinished
	finishedAt := time.Now().UTC()
	if err := s.exports.Update(ctx, job.ID, repository.UpdateExportJobParams{
		Status:     &finished,
		ResultPath: &relPath,
		FinishedAt: &finishedAt,
	}); err != nil {
		return fmt.Errorf("mark export job finished: %w", err)
	}

	s.logger.Info("export job finished",
		zap.String("job_id", job.ID),
		zap.String("module_id", params.ModuleID),
		zap.String("path", relPath),
	)
	return nil
}

func (s *ExportService) buildRoster(ctx context.Context, moduleID string) (*export.Dataset, error) {
	groups, err := s.groups.ListByModule(ctx, moduleID)
	if err != nil {
		return nil, fmt.Errorf("list module groups: %w", err)
	}

	data := &export.Dataset{
		Headers: []string{"Group", "Member", "Country", "Owner", "Joined At"},
	}
	for _, group := range groups {
		members, err := s.groups.ListMembers(ctx, group.ID)
		if err != nil {
			return nil, fmt.Errorf("list members of group %s: %w", group.ID, err)
		}
		for _, member := range members {
			owner := ""
			if member.UserID == group.OwnerID {
				owner = "yes"
			}
			data.Rows = append(data.Rows, map[string]string{
				"Group":     group.Name,
				"Member":    member.FullName,
				"Country":   member.Country,
				"Owner":     owner,
				"Joined At": member.JoinedAt.Format(time.RFC3339),
			})
		}
	}
	return data, nil
}

func (s *ExportService) markFailed(ctx context.Context, jobID, message string) {
	failed := models.ExportStatusFailed
	finishedAt := time.Now().UTC()
	if err := s.exports.Update(ctx, jobID, repository.UpdateExportJobParams{
		Status:       &failed,
		ErrorMessage: &message,
		FinishedAt:   &finishedAt,
	}); err != nil {
		s.logger.Error("failed to mark export job failed", zap.String("job_id", jobID), zap.Error(err))
	}
}
