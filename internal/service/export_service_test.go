package service

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/customgroups-api/internal/models"
	"github.com/noah-isme/customgroups-api/internal/repository"
	appErrors "github.com/noah-isme/customgroups-api/pkg/errors"
	"github.com/noah-isme/customgroups-api/pkg/jobs"
	"github.com/noah-isme/customgroups-api/pkg/storage"
)

type mockExportRepo struct {
	jobs map[string]models.ExportJob
}

func newMockExportRepo() *mockExportRepo {
	return &mockExportRepo{jobs: make(map[string]models.ExportJob)}
}

func (m *mockExportRepo) Create(ctx context.Context, job *models.ExportJob) error {
	m.jobs[job.ID] = *job
	return nil
}

func (m *mockExportRepo) FindByID(ctx context.Context, id string) (*models.ExportJob, error) {
	if job, ok := m.jobs[id]; ok {
		return &job, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockExportRepo) Update(ctx context.Context, id string, params repository.UpdateExportJobParams) error {
	job, ok := m.jobs[id]
	if !ok {
		return sql.ErrNoRows
	}
	if params.Status != nil {
		job.Status = *params.Status
	}
	if params.ResultPath != nil {
		job.ResultPath = params.ResultPath
	}
	if params.ErrorMessage != nil {
		job.ErrorMessage = params.ErrorMessage
	}
	if params.FinishedAt != nil {
		job.FinishedAt = params.FinishedAt
	}
	m.jobs[id] = job
	return nil
}

type mockEnqueuer struct {
	enqueued []jobs.Job
	err      error
}

func (m *mockEnqueuer) Enqueue(job jobs.Job) error {
	if m.err != nil {
		return m.err
	}
	m.enqueued = append(m.enqueued, job)
	return nil
}

type staticModuleReader struct{}

func (staticModuleReader) FindByID(ctx context.Context, id string) (*models.ModuleInstance, error) {
	if id != "m1" {
		return nil, sql.ErrNoRows
	}
	return &models.ModuleInstance{ID: "m1", CourseID: "course-1", Name: "Groups"}, nil
}

type rosterGroups struct{}

func (rosterGroups) ListByModule(ctx context.Context, moduleID string) ([]models.StudentGroup, error) {
	return []models.StudentGroup{{ID: "g1", ModuleID: moduleID, Name: "alpha", OwnerID: "a"}}, nil
}

func (rosterGroups) ListMembers(ctx context.Context, groupID string) ([]models.GroupMember, error) {
	return []models.GroupMember{
		{GroupID: groupID, UserID: "a", FullName: "Alice", Country: "TH", JoinedAt: time.Unix(1, 0)},
		{GroupID: groupID, UserID: "b", FullName: "Bob", Country: "US", JoinedAt: time.Unix(2, 0)},
	}, nil
}

func newExportServiceForTest(t *testing.T, queue jobEnqueuer) (*ExportService, *mockExportRepo) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("secret", time.Hour)
	repo := newMockExportRepo()
	svc := NewExportService(repo, staticModuleReader{}, rosterGroups{}, queue, store, signer, zap.NewNop())
	return svc, repo
}

func TestExportServiceCreateJobEnqueues(t *testing.T) {
	queue := &mockEnqueuer{}
	svc, repo := newExportServiceForTest(t, queue)

	job, err := svc.CreateJob(context.Background(), "m1", models.ExportFormatCSV, &models.User{ID: "u1", Role: models.RoleTeacher})
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusQueued, job.Status)
	require.Len(t, queue.enqueued, 1)
	assert.Equal(t, job.ID, queue.enqueued[0].ID)
	assert.Contains(t, repo.jobs, job.ID)
}

func TestExportServiceCreateJobMarksFailedOnEnqueueError(t *testing.T) {
	queue := &mockEnqueuer{err: errors.New("queue stopped")}
	svc, repo := newExportServiceForTest(t, queue)

	_, err := svc.CreateJob(context.Background(), "m1", models.ExportFormatCSV, &models.User{ID: "u1", Role: models.RoleTeacher})
	require.Error(t, err)

	var stored models.ExportJob
	for _, j := range repo.jobs {
		stored = j
	}
	assert.Equal(t, models.ExportStatusFailed, stored.Status)
}

func TestExportServiceCreateJobRejectsUnknownFormat(t *testing.T) {
	svc, _ := newExportServiceForTest(t, &mockEnqueuer{})

	_, err := svc.CreateJob(context.Background(), "m1", models.ExportFormat("xlsx"), &models.User{ID: "u1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestExportServiceProcessRendersAndStoresCSV(t *testing.T) {
	svc, repo := newExportServiceForTest(t, &mockEnqueuer{})
	job := &models.ExportJob{
		ID:        "job-1",
		Params:    models.ExportJobParams{ModuleID: "m1", Format: models.ExportFormatCSV},
		Status:    models.ExportStatusQueued,
		CreatedBy: "u1",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Create(context.Background(), job))

	err := svc.Process(context.Background(), jobs.Job{ID: job.ID, Type: JobTypeRosterExport, Payload: job.Params})
	require.NoError(t, err)

	stored := repo.jobs[job.ID]
	assert.Equal(t, models.ExportStatusFinished, stored.Status)
	require.NotNil(t, stored.ResultPath)

	file, _, err := svc.Download(context.Background(), mustToken(t, svc, stored))
	require.NoError(t, err)
	defer file.Close()
	data, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Alice")
	assert.Contains(t, string(data), "alpha")
}

func mustToken(t *testing.T, svc *ExportService, job models.ExportJob) string {
	t.Helper()
	status, err := svc.GetStatus(context.Background(), job.ID, &models.User{ID: job.CreatedBy})
	require.NoError(t, err)
	require.NotEmpty(t, status.DownloadURL)
	const prefix = "/api/v1/exports/download?token="
	return status.DownloadURL[len(prefix):]
}

func TestExportServiceGetStatusEnforcesOwnership(t *testing.T) {
	svc, repo := newExportServiceForTest(t, &mockEnqueuer{})
	repo.jobs["job-1"] = models.ExportJob{ID: "job-1", CreatedBy: "owner", Status: models.ExportStatusQueued}

	_, err := svc.GetStatus(context.Background(), "job-1", &models.User{ID: "someone-else", Role: models.RoleStudent})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	_, err = svc.GetStatus(context.Background(), "job-1", &models.User{ID: "someone-else", Role: models.RoleAdmin})
	require.NoError(t, err, "administrators may read any job")
}

func TestExportServiceDownloadRejectsBadToken(t *testing.T) {
	svc, _ := newExportServiceForTest(t, &mockEnqueuer{})

	_, _, err := svc.Download(context.Background(), "not-a-token")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
}
