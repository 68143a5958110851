package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/customgroups-api/internal/models"
	"github.com/noah-isme/customgroups-api/pkg/config"
	appErrors "github.com/noah-isme/customgroups-api/pkg/errors"
)

type capabilityChecker interface {
	HasCapability(capability Capability, role models.UserRole) bool
}

type groupRepository interface {
	FindByID(ctx context.Context, id string) (*models.StudentGroup, error)
	ListByModule(ctx context.Context, moduleID string) ([]models.StudentGroup, error)
	OwnsGroupInModule(ctx context.Context, moduleID, userID string) (bool, error)
	JoinedGroupID(ctx context.Context, moduleID, userID string) (string, error)
	CountMembers(ctx context.Context, groupID string) (int, error)
	CountMembersByCountry(ctx context.Context, groupID, country string) (int, error)
	CountryBreakdown(ctx context.Context, groupID string) ([]models.CountryCount, error)
	ListMembers(ctx context.Context, groupID string) ([]models.GroupMember, error)
	Create(ctx context.Context, group *models.StudentGroup) error
	Update(ctx context.Context, group *models.StudentGroup) error
	Delete(ctx context.Context, id string) error
	AddMembership(ctx context.Context, groupID, userID string, joinedAt time.Time) error
	RemoveMembership(ctx context.Context, groupID, userID string) error
	RemoveAllMemberships(ctx context.Context, groupID string) error
}

type moduleReader interface {
	FindByID(ctx context.Context, id string) (*models.ModuleInstance, error)
}

type viewCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// GroupService implements the membership rule engine: group creation within
// an active module, joining under capacity and per-country caps, leaving,
// owner-only edits and the per-user group listing.
//
// Eligibility checks read current counts and then act; concurrent joins can
// overshoot a cap between check and insert. RecheckOnJoin re-runs the checks
// with fresh queries immediately before the insert to narrow that window.
type GroupService struct {
	groups     groupRepository
	modules    moduleReader
	capability capabilityChecker
	cache      viewCache
	cfg        config.GroupsConfig
	logger     *zap.Logger
	metrics    *MetricsService
	now        func() time.Time
}

// NewGroupService constructs the service.
func NewGroupService(
	groups groupRepository,
	modules moduleReader,
	capability capabilityChecker,
	cache viewCache,
	cfg config.GroupsConfig,
	logger *zap.Logger,
) *GroupService {
	return &GroupService{
		groups:     groups,
		modules:    modules,
		capability: capability,
		cache:      cache,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics attaches request-level instrumentation.
func (s *GroupService) WithMetrics(m *MetricsService) *GroupService {
	s.metrics = m
	return s
}

// CreateGroupRequest carries the fields for creating a student group.
type CreateGroupRequest struct {
	Name        string `json:"name" binding:"required,max=255"`
	Description string `json:"description"`
}

// UpdateGroupRequest carries the owner-editable fields of a group.
type UpdateGroupRequest struct {
	Name        string `json:"name" binding:"required,max=255"`
	Description string `json:"description"`
}

func (s *GroupService) loadModule(ctx context.Context, moduleID string) (*models.ModuleInstance, error) {
	module, err := s.modules.FindByID(ctx, moduleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "module not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load module")
	}
	return module, nil
}

func (s *GroupService) loadGroup(ctx context.Context, groupID string) (*models.StudentGroup, error) {
	group, err := s.groups.FindByID(ctx, groupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "group not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group")
	}
	return group, nil
}

// CanCreateGroup reports whether the user may create a group in the module:
// the module is open, the user holds the capability, owns no group here and
// belongs to no group here.
func (s *GroupService) CanCreateGroup(ctx context.Context, module *models.ModuleInstance, user *models.User) (bool, error) {
	if !module.IsActive(s.now()) {
		return false, nil
	}
	if !s.capability.HasCapability(CapabilityCreateGroup, user.Role) {
		return false, nil
	}
	owns, err := s.groups.OwnsGroupInModule(ctx, module.ID, user.ID)
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check group ownership")
	}
	if owns {
		return false, nil
	}
	joined, err := s.groups.JoinedGroupID(ctx, module.ID, user.ID)
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check membership")
	}
	return joined == "", nil
}

// CreateGroup creates a student group and enrols the owner as its first
// member. Group creation and the owner membership are two writes; a failure
// between them leaves an empty group behind.
func (s *GroupService) CreateGroup(ctx context.Context, moduleID string, req CreateGroupRequest, user *models.User) (*models.StudentGroup, error) {
	module, err := s.loadModule(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	if !module.IsActive(s.now()) {
		return nil, appErrors.Clone(appErrors.ErrModuleInactive, "")
	}
	if !s.capability.HasCapability(CapabilityCreateGroup, user.Role) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not allowed to create groups")
	}

	allowed, err := s.CanCreateGroup(ctx, module, user)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, appErrors.Clone(appErrors.ErrAlreadyInGroup, "")
	}

	group := &models.StudentGroup{
		ModuleID:    module.ID,
		CourseID:    module.CourseID,
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     user.ID,
	}
	if err := s.groups.Create(ctx, group); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create group")
	}
	if err := s.groups.AddMembership(ctx, group.ID, user.ID, s.now()); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enrol group owner")
	}

	s.invalidateViews(ctx, module.ID)
	s.logger.Info("group created",
		zap.String("group_id", group.ID),
		zap.String("module_id", module.ID),
		zap.String("owner_id", user.ID),
	)
	return group, nil
}

// UpdateGroup rewrites name and description. Only the owner may edit, and
// only while the module is open.
func (s *GroupService) UpdateGroup(ctx context.Context, groupID string, req UpdateGroupRequest, user *models.User) (*models.StudentGroup, error) {
	group, err := s.loadGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	module, err := s.loadModule(ctx, group.ModuleID)
	if err != nil {
		return nil, err
	}
	if !module.IsActive(s.now()) {
		return nil, appErrors.Clone(appErrors.ErrModuleInactive, "")
	}
	if group.OwnerID != user.ID {
		return nil, appErrors.Clone(appErrors.ErrNotGroupOwner, "")
	}

	group.Name = req.Name
	group.Description = req.Description
	if err := s.groups.Update(ctx, group); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update group")
	}

	s.invalidateViews(ctx, module.ID)
	return group, nil
}

// DeleteGroup removes a group and its memberships. Only the owner may delete
// while the module is open; memberships go first and a failure between the
// two deletes leaves the group row behind.
func (s *GroupService) DeleteGroup(ctx context.Context, groupID string, user *models.User) error {
	group, err := s.loadGroup(ctx, groupID)
	if err != nil {
		return err
	}
	module, err := s.loadModule(ctx, group.ModuleID)
	if err != nil {
		return err
	}
	if !module.IsActive(s.now()) {
		return appErrors.Clone(appErrors.ErrModuleInactive, "")
	}
	if group.OwnerID != user.ID {
		return appErrors.Clone(appErrors.ErrNotGroupOwner, "")
	}

	if err := s.groups.RemoveAllMemberships(ctx, group.ID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to remove group memberships")
	}
	if err := s.groups.Delete(ctx, group.ID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete group")
	}

	s.invalidateViews(ctx, module.ID)
	s.logger.Info("group deleted",
		zap.String("group_id", group.ID),
		zap.String("module_id", module.ID),
		zap.String("owner_id", user.ID),
	)
	return nil
}

// joinEligibility checks every join rule and returns the first violated one
// as a typed error, or nil when the user may join.
func (s *GroupService) joinEligibility(ctx context.Context, module *models.ModuleInstance, group *models.StudentGroup, user *models.User) error {
	if !module.IsActive(s.now()) {
		return appErrors.Clone(appErrors.ErrModuleInactive, "")
	}

	joined, err := s.groups.JoinedGroupID(ctx, module.ID, user.ID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check membership")
	}
	if joined != "" {
		return appErrors.Clone(appErrors.ErrAlreadyInGroup, "")
	}

	if module.MaxMembers > 0 {
		count, err := s.groups.CountMembers(ctx, group.ID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count members")
		}
		if count >= module.MaxMembers {
			return appErrors.Clone(appErrors.ErrGroupFull, "")
		}
	}

	if module.MaxMembersPerCountry > 0 {
		count, err := s.groups.CountMembersByCountry(ctx, group.ID, user.Country)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count members by country")
		}
		if count >= module.MaxMembersPerCountry {
			return appErrors.Clone(appErrors.ErrCountryCapReached, "")
		}
	}

	return nil
}

// CanJoinGroup reports whether the user may join the group right now.
func (s *GroupService) CanJoinGroup(ctx context.Context, module *models.ModuleInstance, group *models.StudentGroup, user *models.User) (bool, error) {
	if !s.capability.HasCapability(CapabilityJoinGroup, user.Role) {
		return false, nil
	}
	err := s.joinEligibility(ctx, module, group, user)
	if err == nil {
		return true, nil
	}
	var typed *appErrors.Error
	if errors.As(err, &typed) && typed.Status < 500 {
		return false, nil
	}
	return false, err
}

// JoinGroup adds the user to the group after checking capacity, per-country
// caps and single-membership within the module.
func (s *GroupService) JoinGroup(ctx context.Context, groupID string, user *models.User) error {
	group, err := s.loadGroup(ctx, groupID)
	if err != nil {
		return err
	}
	module, err := s.loadModule(ctx, group.ModuleID)
	if err != nil {
		return err
	}
	if !s.capability.HasCapability(CapabilityJoinGroup, user.Role) {
		return appErrors.Clone(appErrors.ErrForbidden, "not allowed to join groups")
	}

	if err := s.joinEligibility(ctx, module, group, user); err != nil {
		s.metrics.RecordJoinOutcome(appErrors.FromError(err).Code)
		return err
	}
	if s.cfg.RecheckOnJoin {
		if err := s.joinEligibility(ctx, module, group, user); err != nil {
			s.metrics.RecordJoinOutcome(appErrors.FromError(err).Code)
			return err
		}
	}

	if err := s.groups.AddMembership(ctx, group.ID, user.ID, s.now()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to add membership")
	}
	s.metrics.RecordJoinOutcome("joined")

	s.invalidateViews(ctx, module.ID)
	s.logger.Info("group joined",
		zap.String("group_id", group.ID),
		zap.String("module_id", module.ID),
		zap.String("user_id", user.ID),
	)
	return nil
}

// LeaveGroup removes the user's membership. Owners cannot leave their own
// group; they delete it instead.
func (s *GroupService) LeaveGroup(ctx context.Context, groupID string, user *models.User) error {
	group, err := s.loadGroup(ctx, groupID)
	if err != nil {
		return err
	}
	module, err := s.loadModule(ctx, group.ModuleID)
	if err != nil {
		return err
	}
	if !module.IsActive(s.now()) {
		return appErrors.Clone(appErrors.ErrModuleInactive, "")
	}
	if group.OwnerID == user.ID {
		return appErrors.Clone(appErrors.ErrConflict, "group owners must delete the group instead of leaving it")
	}

	joined, err := s.groups.JoinedGroupID(ctx, module.ID, user.ID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check membership")
	}
	if joined != group.ID {
		return appErrors.Clone(appErrors.ErrNotGroupMember, "")
	}

	if err := s.groups.RemoveMembership(ctx, group.ID, user.ID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to remove membership")
	}

	s.invalidateViews(ctx, module.ID)
	s.logger.Info("group left",
		zap.String("group_id", group.ID),
		zap.String("module_id", module.ID),
		zap.String("user_id", user.ID),
	)
	return nil
}

// ModuleGroups builds the full listing of a module's groups from the acting
// user's perspective. The payload is cached per (module, user) and
// invalidated by every mutation under the module.
func (s *GroupService) ModuleGroups(ctx context.Context, moduleID string, user *models.User) (*models.ModuleGroupsView, error) {
	key := viewCacheKey(moduleID, user.ID)
	var cached models.ModuleGroupsView
	lookupStart := time.Now()
	err := s.cache.Get(ctx, key, &cached)
	s.metrics.RecordCacheOperation(err == nil, time.Since(lookupStart))
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, appErrors.ErrCacheMiss) {
		s.logger.Warn("group view cache read failed", zap.String("key", key), zap.Error(err))
	}

	module, err := s.loadModule(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	view, err := s.buildModuleGroups(ctx, module, user)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, key, view, s.cfg.ViewCacheTTL); err != nil {
		s.logger.Warn("group view cache write failed", zap.String("key", key), zap.Error(err))
	}
	return view, nil
}

func (s *GroupService) buildModuleGroups(ctx context.Context, module *models.ModuleInstance, user *models.User) (*models.ModuleGroupsView, error) {
	groups, err := s.groups.ListByModule(ctx, module.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list groups")
	}

	joinedGroupID, err := s.groups.JoinedGroupID(ctx, module.ID, user.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check membership")
	}

	canCreate, err := s.CanCreateGroup(ctx, module, user)
	if err != nil {
		return nil, err
	}

	active := module.IsActive(s.now())
	view := &models.ModuleGroupsView{
		ModuleID:       module.ID,
		Active:         active,
		Applied:        module.Applied,
		MinMembers:     module.MinMembers,
		MaxMembers:     module.MaxMembers,
		MaxPerCountry:  module.MaxMembersPerCountry,
		CanCreateGroup: canCreate,
		CanApplyGroups: s.capability.HasCapability(CapabilityApplyGroups, user.Role) && !module.Applied,
		Groups:         make([]models.GroupView, 0, len(groups)),
	}
	if joinedGroupID != "" {
		view.JoinedGroupID = &joinedGroupID
	}

	canJoinRole := s.capability.HasCapability(CapabilityJoinGroup, user.Role)

	for i := range groups {
		group := &groups[i]
		members, err := s.groups.ListMembers(ctx, group.ID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list members")
		}
		for j := range members {
			members[j].Owner = members[j].UserID == group.OwnerID
		}

		countries, err := s.groups.CountryBreakdown(ctx, group.ID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to tally countries")
		}

		joined := joinedGroupID == group.ID
		owner := group.OwnerID == user.ID
		count := len(members)

		gv := models.GroupView{
			ID:          group.ID,
			Name:        group.Name,
			Description: group.Description,
			MemberCount: count,
			Members:     members,
			Countries:   countries,
			Joined:      joined,
			Leaveable:   joined && !owner && active,
			Editable:    owner && active,
			Applicable:  applicable(module.MinMembers, count),
		}

		if active && canJoinRole && joinedGroupID == "" {
			full := module.MaxMembers > 0 && count >= module.MaxMembers
			capped := false
			if !full && module.MaxMembersPerCountry > 0 {
				for _, cc := range countries {
					if cc.Country == user.Country && cc.Count >= module.MaxMembersPerCountry {
						capped = true
						break
					}
				}
			}
			gv.Joinable = !full && !capped
			if full {
				gv.WarningTexts = append(gv.WarningTexts, "group is full")
			}
			if capped {
				gv.WarningTexts = append(gv.WarningTexts, "maximum members for your country reached")
			}
		}
		if !gv.Applicable {
			gv.WarningTexts = append(gv.WarningTexts, fmt.Sprintf("group needs at least %d members to be applied", minRequired(module.MinMembers)))
		}

		view.Groups = append(view.Groups, gv)
	}

	return view, nil
}

func (s *GroupService) invalidateViews(ctx context.Context, moduleID string) {
	if err := s.cache.DeleteByPattern(ctx, viewCachePattern(moduleID)); err != nil {
		s.logger.Warn("group view cache invalidation failed", zap.String("module_id", moduleID), zap.Error(err))
	}
}

func viewCacheKey(moduleID, userID string) string {
	return fmt.Sprintf("groups:view:%s:%s", moduleID, userID)
}

func viewCachePattern(moduleID string) string {
	return fmt.Sprintf("groups:view:%s:*", moduleID)
}
