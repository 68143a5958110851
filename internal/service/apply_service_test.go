package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/customgroups-api/internal/models"
	appErrors "github.com/noah-isme/customgroups-api/pkg/errors"
)

type mockModuleApplier struct {
	modules map[string]models.ModuleInstance
	applied []string
}

func (m *mockModuleApplier) FindByID(ctx context.Context, id string) (*models.ModuleInstance, error) {
	if mod, ok := m.modules[id]; ok {
		return &mod, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockModuleApplier) MarkApplied(ctx context.Context, id string, at time.Time) error {
	mod := m.modules[id]
	mod.Applied = true
	mod.Active = false
	m.modules[id] = mod
	m.applied = append(m.applied, id)
	return nil
}

type mockCourseGroups struct {
	created      []string
	assigned     map[string]string
	members      map[string][]string
	failOnGroup  string
	failOnMember string
}

func newMockCourseGroups() *mockCourseGroups {
	return &mockCourseGroups{
		assigned: make(map[string]string),
		members:  make(map[string][]string),
	}
}

func (m *mockCourseGroups) CreatePermanentGroup(ctx context.Context, courseID, name string) (string, error) {
	if name == m.failOnGroup {
		return "", errors.New("course group system unavailable")
	}
	id := "perm-" + name
	m.created = append(m.created, name)
	return id, nil
}

func (m *mockCourseGroups) AssignToGrouping(ctx context.Context, groupingID, groupID string) error {
	m.assigned[groupID] = groupingID
	return nil
}

func (m *mockCourseGroups) AddMember(ctx context.Context, groupID, userID string) error {
	if userID == m.failOnMember {
		return errors.New("member insert failed")
	}
	m.members[groupID] = append(m.members[groupID], userID)
	return nil
}

type mockApplyGroups struct {
	groups  []models.StudentGroup
	members map[string][]models.GroupMember
}

func (m *mockApplyGroups) ListByModule(ctx context.Context, moduleID string) ([]models.StudentGroup, error) {
	return m.groups, nil
}

func (m *mockApplyGroups) CountMembers(ctx context.Context, groupID string) (int, error) {
	return len(m.members[groupID]), nil
}

func (m *mockApplyGroups) ListMembers(ctx context.Context, groupID string) ([]models.GroupMember, error) {
	return m.members[groupID], nil
}

func instructor() *models.User {
	return &models.User{ID: "t1", Role: models.RoleTeacher}
}

func membersOf(groupID string, userIDs ...string) []models.GroupMember {
	members := make([]models.GroupMember, 0, len(userIDs))
	for i, id := range userIDs {
		members = append(members, models.GroupMember{
			GroupID:  groupID,
			UserID:   id,
			JoinedAt: time.Unix(int64(i), 0),
		})
	}
	return members
}

func TestApplicableFloorsAtOneWhenNoMinimum(t *testing.T) {
	assert.False(t, applicable(0, 0), "empty groups are never promoted")
	assert.True(t, applicable(0, 1))
	assert.False(t, applicable(3, 2))
	assert.True(t, applicable(3, 3))
	assert.True(t, applicable(3, 4))
}

func TestApplyServiceSummarySplitsGroupsAtFloor(t *testing.T) {
	modules := &mockModuleApplier{modules: map[string]models.ModuleInstance{
		"m1": {ID: "m1", CourseID: "course-1", Active: true, MinMembers: 3},
	}}
	groups := &mockApplyGroups{
		groups: []models.StudentGroup{
			{ID: "g1", ModuleID: "m1", Name: "alpha"},
			{ID: "g2", ModuleID: "m1", Name: "beta"},
		},
		members: map[string][]models.GroupMember{
			"g1": membersOf("g1", "a", "b", "c"),
			"g2": membersOf("g2", "d", "e"),
		},
	}
	svc := NewApplyService(modules, groups, newMockCourseGroups(), NewCapabilityService(), zap.NewNop())

	summary, err := svc.Summary(context.Background(), "m1", instructor())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ApplicableGroups)
	assert.Equal(t, 3, summary.ApplicableMembers)
	assert.Equal(t, 1, summary.InapplicableGroups)
	assert.Equal(t, 2, summary.InapplicableMembers)
}

func TestApplyServiceRejectsStudents(t *testing.T) {
	svc := NewApplyService(&mockModuleApplier{}, &mockApplyGroups{}, newMockCourseGroups(), NewCapabilityService(), zap.NewNop())

	_, err := svc.Summary(context.Background(), "m1", &models.User{ID: "s1", Role: models.RoleStudent})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	_, err = svc.ApplyModule(context.Background(), "m1", &models.User{ID: "s1", Role: models.RoleStudent})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestApplyServicePromotesEligibleGroupsAndClosesModule(t *testing.T) {
	groupingID := "grouping-1"
	modules := &mockModuleApplier{modules: map[string]models.ModuleInstance{
		"m1": {ID: "m1", CourseID: "course-1", Active: true, MinMembers: 0, DefaultGroupingID: &groupingID},
	}}
	groups := &mockApplyGroups{
		groups: []models.StudentGroup{
			{ID: "g1", ModuleID: "m1", Name: "alpha"},
			{ID: "g2", ModuleID: "m1", Name: "empty"},
		},
		members: map[string][]models.GroupMember{
			"g1": membersOf("g1", "a", "b"),
		},
	}
	courseGroups := newMockCourseGroups()
	svc := NewApplyService(modules, groups, courseGroups, NewCapabilityService(), zap.NewNop())

	summary, err := svc.ApplyModule(context.Background(), "m1", instructor())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ApplicableGroups)
	assert.Equal(t, 2, summary.ApplicableMembers)
	assert.Equal(t, 1, summary.InapplicableGroups, "empty group skipped even with no minimum")

	assert.Equal(t, []string{"alpha"}, courseGroups.created)
	assert.Equal(t, groupingID, courseGroups.assigned["perm-alpha"])
	assert.Equal(t, []string{"a", "b"}, courseGroups.members["perm-alpha"], "members added in join order")
	assert.Equal(t, []string{"m1"}, modules.applied)
}

func TestApplyServiceOneWayLatch(t *testing.T) {
	modules := &mockModuleApplier{modules: map[string]models.ModuleInstance{
		"m1": {ID: "m1", CourseID: "course-1", Applied: true},
	}}
	svc := NewApplyService(modules, &mockApplyGroups{}, newMockCourseGroups(), NewCapabilityService(), zap.NewNop())

	_, err := svc.ApplyModule(context.Background(), "m1", instructor())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrModuleApplied.Code, appErrors.FromError(err).Code)

	_, err = svc.Summary(context.Background(), "m1", instructor())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrModuleApplied.Code, appErrors.FromError(err).Code)
}

func TestApplyServicePartialFailureLeavesPromotedGroups(t *testing.T) {
	modules := &mockModuleApplier{modules: map[string]models.ModuleInstance{
		"m1": {ID: "m1", CourseID: "course-1", Active: true},
	}}
	groups := &mockApplyGroups{
		groups: []models.StudentGroup{
			{ID: "g1", ModuleID: "m1", Name: "alpha"},
			{ID: "g2", ModuleID: "m1", Name: "beta"},
		},
		members: map[string][]models.GroupMember{
			"g1": membersOf("g1", "a"),
			"g2": membersOf("g2", "b"),
		},
	}
	courseGroups := newMockCourseGroups()
	courseGroups.failOnGroup = "beta"
	svc := NewApplyService(modules, groups, courseGroups, NewCapabilityService(), zap.NewNop())

	_, err := svc.ApplyModule(context.Background(), "m1", instructor())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrCourseGroupWrite.Code, appErrors.FromError(err).Code)

	assert.Equal(t, []string{"alpha"}, courseGroups.created, "first group stays promoted")
	assert.Empty(t, modules.applied, "latch is not set after a failed run")
}

func TestApplyServiceMemberWriteFailureStopsRun(t *testing.T) {
	modules := &mockModuleApplier{modules: map[string]models.ModuleInstance{
		"m1": {ID: "m1", CourseID: "course-1", Active: true},
	}}
	groups := &mockApplyGroups{
		groups:  []models.StudentGroup{{ID: "g1", ModuleID: "m1", Name: "alpha"}},
		members: map[string][]models.GroupMember{"g1": membersOf("g1", "a", "b", "c")},
	}
	courseGroups := newMockCourseGroups()
	courseGroups.failOnMember = "b"
	svc := NewApplyService(modules, groups, courseGroups, NewCapabilityService(), zap.NewNop())

	_, err := svc.ApplyModule(context.Background(), "m1", instructor())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrCourseGroupWrite.Code, appErrors.FromError(err).Code)
	assert.Equal(t, []string{"a"}, courseGroups.members["perm-alpha"], "members before the failure stay added")
	assert.Empty(t, modules.applied)
}
