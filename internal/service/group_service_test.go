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
	"github.com/noah-isme/customgroups-api/pkg/config"
	appErrors "github.com/noah-isme/customgroups-api/pkg/errors"
)

type mockGroupRepo struct {
	groups      map[string]models.StudentGroup
	memberships map[string][]models.GroupMember
	users       map[string]models.User

	addMembershipErr error
	removedAll       []string
	deleted          []string
}

func newMockGroupRepo() *mockGroupRepo {
	return &mockGroupRepo{
		groups:      make(map[string]models.StudentGroup),
		memberships: make(map[string][]models.GroupMember),
		users:       make(map[string]models.User),
	}
}

func (m *mockGroupRepo) addUser(u models.User) {
	m.users[u.ID] = u
}

func (m *mockGroupRepo) FindByID(ctx context.Context, id string) (*models.StudentGroup, error) {
	if g, ok := m.groups[id]; ok {
		return &g, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockGroupRepo) ListByModule(ctx context.Context, moduleID string) ([]models.StudentGroup, error) {
	var list []models.StudentGroup
	for _, g := range m.groups {
		if g.ModuleID == moduleID {
			list = append(list, g)
		}
	}
	return list, nil
}

func (m *mockGroupRepo) OwnsGroupInModule(ctx context.Context, moduleID, userID string) (bool, error) {
	for _, g := range m.groups {
		if g.ModuleID == moduleID && g.OwnerID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockGroupRepo) JoinedGroupID(ctx context.Context, moduleID, userID string) (string, error) {
	for gid, members := range m.memberships {
		g, ok := m.groups[gid]
		if !ok || g.ModuleID != moduleID {
			continue
		}
		for _, member := range members {
			if member.UserID == userID {
				return gid, nil
			}
		}
	}
	return "", nil
}

func (m *mockGroupRepo) CountMembers(ctx context.Context, groupID string) (int, error) {
	return len(m.memberships[groupID]), nil
}

func (m *mockGroupRepo) CountMembersByCountry(ctx context.Context, groupID, country string) (int, error) {
	count := 0
	for _, member := range m.memberships[groupID] {
		if member.Country == country {
			count++
		}
	}
	return count, nil
}

func (m *mockGroupRepo) CountryBreakdown(ctx context.Context, groupID string) ([]models.CountryCount, error) {
	tally := make(map[string]int)
	for _, member := range m.memberships[groupID] {
		tally[member.Country]++
	}
	var counts []models.CountryCount
	for country, count := range tally {
		counts = append(counts, models.CountryCount{Country: country, Count: count})
	}
	return counts, nil
}

func (m *mockGroupRepo) ListMembers(ctx context.Context, groupID string) ([]models.GroupMember, error) {
	return m.memberships[groupID], nil
}

func (m *mockGroupRepo) Create(ctx context.Context, group *models.StudentGroup) error {
	if group.ID == "" {
		group.ID = "group-" + group.Name
	}
	m.groups[group.ID] = *group
	return nil
}

func (m *mockGroupRepo) Update(ctx context.Context, group *models.StudentGroup) error {
	m.groups[group.ID] = *group
	return nil
}

func (m *mockGroupRepo) Delete(ctx context.Context, id string) error {
	delete(m.groups, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockGroupRepo) AddMembership(ctx context.Context, groupID, userID string, joinedAt time.Time) error {
	if m.addMembershipErr != nil {
		return m.addMembershipErr
	}
	user := m.users[userID]
	m.memberships[groupID] = append(m.memberships[groupID], models.GroupMember{
		GroupID:  groupID,
		UserID:   userID,
		FullName: user.FullName,
		Country:  user.Country,
		JoinedAt: joinedAt,
	})
	return nil
}

func (m *mockGroupRepo) RemoveMembership(ctx context.Context, groupID, userID string) error {
	members := m.memberships[groupID]
	for i, member := range members {
		if member.UserID == userID {
			m.memberships[groupID] = append(members[:i], members[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *mockGroupRepo) RemoveAllMemberships(ctx context.Context, groupID string) error {
	delete(m.memberships, groupID)
	m.removedAll = append(m.removedAll, groupID)
	return nil
}

type mockModuleReader struct {
	modules map[string]models.ModuleInstance
}

func (m *mockModuleReader) FindByID(ctx context.Context, id string) (*models.ModuleInstance, error) {
	if mod, ok := m.modules[id]; ok {
		return &mod, nil
	}
	return nil, sql.ErrNoRows
}

type noopCache struct{}

func (noopCache) Get(ctx context.Context, key string, dest interface{}) error {
	return appErrors.ErrCacheMiss
}
func (noopCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return nil
}
func (noopCache) DeleteByPattern(ctx context.Context, pattern string) error { return nil }

func student(id, country string) *models.User {
	return &models.User{ID: id, FullName: "Student " + id, Country: country, Role: models.RoleStudent}
}

func openModule(id string, min, max, maxPerCountry int) models.ModuleInstance {
	return models.ModuleInstance{
		ID:                   id,
		CourseID:             "course-1",
		Name:                 "Project Groups",
		Active:               true,
		MinMembers:           min,
		MaxMembers:           max,
		MaxMembersPerCountry: maxPerCountry,
	}
}

func newGroupServiceForTest(repo *mockGroupRepo, modules *mockModuleReader, cfg config.GroupsConfig) *GroupService {
	return NewGroupService(repo, modules, NewCapabilityService(), noopCache{}, cfg, zap.NewNop())
}

func seedGroup(repo *mockGroupRepo, moduleID, groupID, ownerID string) {
	repo.groups[groupID] = models.StudentGroup{ID: groupID, ModuleID: moduleID, CourseID: "course-1", Name: groupID, OwnerID: ownerID}
}

func TestGroupServiceCreateGroupEnrolsOwner(t *testing.T) {
	repo := newMockGroupRepo()
	repo.addUser(*student("s1", "TH"))
	modules := &mockModuleReader{modules: map[string]models.ModuleInstance{"m1": openModule("m1", 0, 0, 0)}}
	svc := newGroupServiceForTest(repo, modules, config.GroupsConfig{})

	group, err := svc.CreateGroup(context.Background(), "m1", CreateGroupRequest{Name: "alpha"}, student("s1", "TH"))
	require.NoError(t, err)
	require.NotNil(t, group)

	count, _ := repo.CountMembers(context.Background(), group.ID)
	assert.Equal(t, 1, count)

	_, err = svc.CreateGroup(context.Background(), "m1", CreateGroupRequest{Name: "beta"}, student("s1", "TH"))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrAlreadyInGroup.Code, appErrors.FromError(err).Code)
}

func TestGroupServiceJoinUnlimitedCapacity(t *testing.T) {
	repo := newMockGroupRepo()
	modules := &mockModuleReader{modules: map[string]models.ModuleInstance{"m1": openModule("m1", 0, 0, 0)}}
	svc := newGroupServiceForTest(repo, modules, config.GroupsConfig{})
	seedGroup(repo, "m1", "g1", "owner")

	for i := 0; i < 25; i++ {
		u := student("u"+string(rune('a'+i)), "TH")
		repo.addUser(*u)
		require.NoError(t, svc.JoinGroup(context.Background(), "g1", u))
	}
	count, _ := repo.CountMembers(context.Background(), "g1")
	assert.Equal(t, 25, count)
}

func TestGroupServiceJoinBlocksSecondMembership(t *testing.T) {
	repo := newMockGroupRepo()
	repo.addUser(*student("s1", "TH"))
	modules := &mockModuleReader{modules: map[string]models.ModuleInstance{"m1": openModule("m1", 0, 0, 0)}}
	svc := newGroupServiceForTest(repo, modules, config.GroupsConfig{})
	seedGroup(repo, "m1", "g1", "owner")
	seedGroup(repo, "m1", "g2", "owner2")

	require.NoError(t, svc.JoinGroup(context.Background(), "g1", student("s1", "TH")))

	err := svc.JoinGroup(context.Background(), "g1", student("s1", "TH"))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrAlreadyInGroup.Code, appErrors.FromError(err).Code)

	err = svc.JoinGroup(context.Background(), "g2", student("s1", "TH"))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrAlreadyInGroup.Code, appErrors.FromError(err).Code)
}

func TestGroupServiceJoinRejectsFullGroup(t *testing.T) {
	repo := newMockGroupRepo()
	modules := &mockModuleReader{modules: map[string]models.ModuleInstance{"m1": openModule("m1", 0, 2, 0)}}
	svc := newGroupServiceForTest(repo, modules, config.GroupsConfig{})
	seedGroup(repo, "m1", "g1", "owner")

	for _, id := range []string{"s1", "s2"} {
		u := student(id, "TH")
		repo.addUser(*u)
		require.NoError(t, svc.JoinGroup(context.Background(), "g1", u))
	}

	late := student("s3", "TH")
	repo.addUser(*late)
	err := svc.JoinGroup(context.Background(), "g1", late)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrGroupFull.Code, appErrors.FromError(err).Code)
}

func TestGroupServiceJoinEnforcesCountryCap(t *testing.T) {
	repo := newMockGroupRepo()
	modules := &mockModuleReader{modules: map[string]models.ModuleInstance{"m1": openModule("m1", 0, 10, 2)}}
	svc := newGroupServiceForTest(repo, modules, config.GroupsConfig{})
	seedGroup(repo, "m1", "g1", "owner")

	for _, id := range []string{"th1", "th2"} {
		u := student(id, "TH")
		repo.addUser(*u)
		require.NoError(t, svc.JoinGroup(context.Background(), "g1", u))
	}

	thirdThai := student("th3", "TH")
	repo.addUser(*thirdThai)
	err := svc.JoinGroup(context.Background(), "g1", thirdThai)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrCountryCapReached.Code, appErrors.FromError(err).Code)

	american := student("us1", "US")
	repo.addUser(*american)
	require.NoError(t, svc.JoinGroup(context.Background(), "g1", american))
}

func TestGroupServiceLeaveThenRejoin(t *testing.T) {
	repo := newMockGroupRepo()
	repo.addUser(*student("s1", "TH"))
	modules := &mockModuleReader{modules: map[string]models.ModuleInstance{"m1": openModule("m1", 0, 1, 0)}}
	svc := newGroupServiceForTest(repo, modules, config.GroupsConfig{})
	seedGroup(repo, "m1", "g1", "owner")

	require.NoError(t, svc.JoinGroup(context.Background(), "g1", student("s1", "TH")))

	blocked := student("s2", "TH")
	repo.addUser(*blocked)
	err := svc.JoinGroup(context.Background(), "g1", blocked)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrGroupFull.Code, appErrors.FromError(err).Code)

	require.NoError(t, svc.LeaveGroup(context.Background(), "g1", student("s1", "TH")))
	require.NoError(t, svc.JoinGroup(context.Background(), "g1", blocked))
}

func TestGroupServiceOwnerCannotLeave(t *testing.T) {
	repo := newMockGroupRepo()
	owner := student("owner", "TH")
	repo.addUser(*owner)
	modules := &mockModuleReader{modules: map[string]models.ModuleInstance{"m1": openModule("m1", 0, 0, 0)}}
	svc := newGroupServiceForTest(repo, modules, config.GroupsConfig{})
	seedGroup(repo, "m1", "g1", "owner")
	require.NoError(t, repo.AddMembership(context.Background(), "g1", "owner", time.Now()))

	err := svc.LeaveGroup(context.Background(), "g1", owner)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestGroupServiceLeaveRequiresMembership(t *testing.T) {
	repo := newMockGroupRepo()
	modules := &mockModuleReader{modules: map[string]models.ModuleInstance{"m1": openModule("m1", 0, 0, 0)}}
	svc := newGroupServiceForTest(repo, modules, config.GroupsConfig{})
	seedGroup(repo, "m1", "g1", "owner")

	err := svc.LeaveGroup(context.Background(), "g1", student("s1", "TH"))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotGroupMember.Code, appErrors.FromError(err).Code)
}

func TestGroupServiceJoinRejectsClosedModule(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	closed := openModule("m1", 0, 0, 0)
	closed.TimeDeactivated = &past

	repo := newMockGroupRepo()
	repo.addUser(*student("s1", "TH"))
	modules := &mockModuleReader{modules: map[string]models.ModuleInstance{"m1": closed}}
	svc := newGroupServiceForTest(repo, modules, config.GroupsConfig{})
	seedGroup(repo, "m1", "g1", "owner")

	err := svc.JoinGroup(context.Background(), "g1", student("s1", "TH"))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrModuleInactive.Code, appErrors.FromError(err).Code)
}

func TestGroupServiceDeleteGroupRestoresCreateEligibility(t *testing.T) {
	repo := newMockGroupRepo()
	owner := student("owner", "TH")
	repo.addUser(*owner)
	module := openModule("m1", 0, 0, 0)
	modules := &mockModuleReader{modules: map[string]models.ModuleInstance{"m1": module}}
	svc := newGroupServiceForTest(repo, modules, config.GroupsConfig{})

	group, err := svc.CreateGroup(context.Background(), "m1", CreateGroupRequest{Name: "alpha"}, owner)
	require.NoError(t, err)

	can, err := svc.CanCreateGroup(context.Background(), &module, owner)
	require.NoError(t, err)
	assert.False(t, can)

	require.NoError(t, svc.DeleteGroup(context.Background(), group.ID, owner))
	assert.Equal(t, []string{group.ID}, repo.removedAll)
	assert.Equal(t, []string{group.ID}, repo.deleted)

	can, err = svc.CanCreateGroup(context.Background(), &module, owner)
	require.NoError(t, err)
	assert.True(t, can)
}

func TestGroupServiceDeleteRequiresOwner(t *testing.T) {
	repo := newMockGroupRepo()
	modules := &mockModuleReader{modules: map[string]models.ModuleInstance{"m1": openModule("m1", 0, 0, 0)}}
	svc := newGroupServiceForTest(repo, modules, config.GroupsConfig{})
	seedGroup(repo, "m1", "g1", "owner")

	err := svc.DeleteGroup(context.Background(), "g1", student("intruder", "TH"))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotGroupOwner.Code, appErrors.FromError(err).Code)
}

func TestGroupServiceUpdateRequiresOwner(t *testing.T) {
	repo := newMockGroupRepo()
	modules := &mockModuleReader{modules: map[string]models.ModuleInstance{"m1": openModule("m1", 0, 0, 0)}}
	svc := newGroupServiceForTest(repo, modules, config.GroupsConfig{})
	seedGroup(repo, "m1", "g1", "owner")

	_, err := svc.UpdateGroup(context.Background(), "g1", UpdateGroupRequest{Name: "renamed"}, student("intruder", "TH"))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotGroupOwner.Code, appErrors.FromError(err).Code)

	owner := student("owner", "TH")
	updated, err := svc.UpdateGroup(context.Background(), "g1", UpdateGroupRequest{Name: "renamed"}, owner)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
}

// racingGroupRepo fills the last slot between the first and second
// eligibility pass, simulating a concurrent join.
type racingGroupRepo struct {
	*mockGroupRepo
	countCalls int
}

func (r *racingGroupRepo) CountMembers(ctx context.Context, groupID string) (int, error) {
	r.countCalls++
	if r.countCalls > 1 {
		return 1, nil
	}
	return 0, nil
}

func TestGroupServiceRecheckOnJoinCatchesLateFill(t *testing.T) {
	inner := newMockGroupRepo()
	inner.addUser(*student("s1", "TH"))
	repo := &racingGroupRepo{mockGroupRepo: inner}
	modules := &mockModuleReader{modules: map[string]models.ModuleInstance{"m1": openModule("m1", 0, 1, 0)}}
	svc := NewGroupService(repo, modules, NewCapabilityService(), noopCache{}, config.GroupsConfig{RecheckOnJoin: true}, zap.NewNop())
	seedGroup(inner, "m1", "g1", "owner")

	err := svc.JoinGroup(context.Background(), "g1", student("s1", "TH"))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrGroupFull.Code, appErrors.FromError(err).Code)
	assert.Empty(t, inner.memberships["g1"])
}

func TestGroupServiceNoRecheckKeepsSinglePass(t *testing.T) {
	inner := newMockGroupRepo()
	inner.addUser(*student("s1", "TH"))
	repo := &racingGroupRepo{mockGroupRepo: inner}
	modules := &mockModuleReader{modules: map[string]models.ModuleInstance{"m1": openModule("m1", 0, 1, 0)}}
	svc := NewGroupService(repo, modules, NewCapabilityService(), noopCache{}, config.GroupsConfig{}, zap.NewNop())
	seedGroup(inner, "m1", "g1", "owner")

	require.NoError(t, svc.JoinGroup(context.Background(), "g1", student("s1", "TH")))
	assert.Equal(t, 1, repo.countCalls)
}

func TestGroupServiceModuleGroupsView(t *testing.T) {
	repo := newMockGroupRepo()
	owner := student("owner", "TH")
	viewer := student("viewer", "TH")
	repo.addUser(*owner)
	repo.addUser(*viewer)

	module := openModule("m1", 2, 3, 0)
	modules := &mockModuleReader{modules: map[string]models.ModuleInstance{"m1": module}}
	svc := newGroupServiceForTest(repo, modules, config.GroupsConfig{})

	group, err := svc.CreateGroup(context.Background(), "m1", CreateGroupRequest{Name: "alpha"}, owner)
	require.NoError(t, err)

	view, err := svc.ModuleGroups(context.Background(), "m1", viewer)
	require.NoError(t, err)
	require.Len(t, view.Groups, 1)

	gv := view.Groups[0]
	assert.Equal(t, group.ID, gv.ID)
	assert.Equal(t, 1, gv.MemberCount)
	assert.False(t, gv.Joined)
	assert.True(t, gv.Joinable)
	assert.False(t, gv.Editable)
	assert.False(t, gv.Leaveable)
	assert.False(t, gv.Applicable, "one member is below the minimum of two")
	assert.NotEmpty(t, gv.WarningTexts)
	assert.True(t, view.CanCreateGroup)
	assert.Nil(t, view.JoinedGroupID)

	ownerView, err := svc.ModuleGroups(context.Background(), "m1", owner)
	require.NoError(t, err)
	og := ownerView.Groups[0]
	assert.True(t, og.Joined)
	assert.True(t, og.Editable)
	assert.False(t, og.Leaveable, "owners delete rather than leave")
	assert.False(t, og.Joinable)
	require.NotNil(t, ownerView.JoinedGroupID)
	assert.Equal(t, group.ID, *ownerView.JoinedGroupID)
	assert.False(t, ownerView.CanCreateGroup)
}

func TestGroupServiceCreateGroupRequiresStudentRole(t *testing.T) {
	repo := newMockGroupRepo()
	modules := &mockModuleReader{modules: map[string]models.ModuleInstance{"m1": openModule("m1", 0, 0, 0)}}
	svc := newGroupServiceForTest(repo, modules, config.GroupsConfig{})

	teacher := &models.User{ID: "t1", Role: models.RoleTeacher, Country: "TH"}
	_, err := svc.CreateGroup(context.Background(), "m1", CreateGroupRequest{Name: "alpha"}, teacher)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestGroupServiceJoinSurfacesRepositoryFailure(t *testing.T) {
	repo := newMockGroupRepo()
	repo.addUser(*student("s1", "TH"))
	repo.addMembershipErr = errors.New("connection reset")
	modules := &mockModuleReader{modules: map[string]models.ModuleInstance{"m1": openModule("m1", 0, 0, 0)}}
	svc := newGroupServiceForTest(repo, modules, config.GroupsConfig{})
	seedGroup(repo, "m1", "g1", "owner")

	err := svc.JoinGroup(context.Background(), "g1", student("s1", "TH"))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInternal.Code, appErrors.FromError(err).Code)
}
