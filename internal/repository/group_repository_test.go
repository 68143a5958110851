package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/customgroups-api/internal/models"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestGroupRepositoryListByModule(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewGroupRepository(db)

	rows := sqlmock.NewRows([]string{"id", "module_id", "course_id", "name", "description", "owner_id", "created_at", "updated_at"}).
		AddRow("g1", "m1", "c1", "alpha", "", "u1", time.Now(), time.Now()).
		AddRow("g2", "m1", "c1", "beta", "", "u2", time.Now(), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, module_id, course_id, name, description, owner_id, created_at, updated_at FROM groups WHERE module_id = $1 ORDER BY name ASC")).
		WithArgs("m1").
		WillReturnRows(rows)

	groups, err := repo.ListByModule(context.Background(), "m1")
	require.NoError(t, err)
	assert.Len(t, groups, 2)
	assert.Equal(t, "alpha", groups[0].Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupRepositoryJoinedGroupID(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewGroupRepository(db)

	mock.ExpectQuery("SELECT m.group_id FROM memberships m").
		WithArgs("m1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"group_id"}).AddRow("g1"))

	groupID, err := repo.JoinedGroupID(context.Background(), "m1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "g1", groupID)

	mock.ExpectQuery("SELECT m.group_id FROM memberships m").
		WithArgs("m1", "u2").
		WillReturnRows(sqlmock.NewRows([]string{"group_id"}))

	groupID, err = repo.JoinedGroupID(context.Background(), "m1", "u2")
	require.NoError(t, err)
	assert.Empty(t, groupID, "no membership maps to the empty string, not an error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupRepositoryCounts(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewGroupRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM memberships WHERE group_id = $1")).
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	count, err := repo.CountMembers(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM memberships m")).
		WithArgs("g1", "TH").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	count, err = repo.CountMembersByCountry(context.Background(), "g1", "TH")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupRepositoryCreateAndMemberships(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewGroupRepository(db)

	mock.ExpectExec("INSERT INTO groups").
		WithArgs(sqlmock.AnyArg(), "m1", "c1", "alpha", "", "u1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	group := &models.StudentGroup{ModuleID: "m1", CourseID: "c1", Name: "alpha", OwnerID: "u1"}
	require.NoError(t, repo.Create(context.Background(), group))
	assert.NotEmpty(t, group.ID)

	mock.ExpectExec("INSERT INTO memberships").
		WithArgs(group.ID, "u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, repo.AddMembership(context.Background(), group.ID, "u1", time.Now()))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM memberships WHERE group_id = $1 AND user_id = $2")).
		WithArgs(group.ID, "u1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, repo.RemoveMembership(context.Background(), group.ID, "u1"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupRepositoryDeleteOrdering(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewGroupRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM memberships WHERE group_id = $1")).
		WithArgs("g1").
		WillReturnResult(sqlmock.NewResult(1, 3))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM groups WHERE id = $1")).
		WithArgs("g1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.RemoveAllMemberships(context.Background(), "g1"))
	require.NoError(t, repo.Delete(context.Background(), "g1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
