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

type moduleRepository interface {
	List(ctx context.Context, filter models.ModuleFilter) ([]models.ModuleInstance, int, error)
	FindByID(ctx context.Context, id string) (*models.ModuleInstance, error)
	Create(ctx context.Context, module *models.ModuleInstance) error
	Update(ctx context.Context, module *models.ModuleInstance) error
	Delete(ctx context.Context, id string) error
}

type moduleGroupCascader interface {
	ListByModule(ctx context.Context, moduleID string) ([]models.StudentGroup, error)
	RemoveAllMemberships(ctx context.Context, groupID string) error
	Delete(ctx context.Context, id string) error
}

type groupingChecker interface {
	GroupingExists(ctx context.Context, courseID, groupingID string) (bool, error)
}

// ModuleService manages the lifecycle of module instances: creation with
// site-wide defaults, threshold validation, the applied immutability latch
// and the group cascade on delete.
type ModuleService struct {
	modules    moduleRepository
	groups     moduleGroupCascader
	groupings  groupingChecker
	capability capabilityChecker
	defaults   config.GroupsConfig
	logger     *zap.Logger
}

// NewModuleService constructs the service.
func NewModuleService(
	modules moduleRepository,
	groups moduleGroupCascader,
	groupings groupingChecker,
	capability capabilityChecker,
	defaults config.GroupsConfig,
	logger *zap.Logger,
) *ModuleService {
	return &ModuleService{
		modules:    modules,
		groups:     groups,
		groupings:  groupings,
		capability: capability,
		defaults:   defaults,
		logger:     logger,
	}
}

// CreateModuleRequest carries the fields for creating a module instance.
// Nil threshold pointers fall back to the site-wide defaults.
type CreateModuleRequest struct {
	CourseID             string     `json:"course_id" binding:"required"`
	Name                 string     `json:"name" binding:"required,max=255"`
	Intro                string     `json:"intro"`
	DefaultGroupingID    *string    `json:"default_grouping_id"`
	MinMembers           *int       `json:"min_members"`
	MaxMembers           *int       `json:"max_members"`
	MinMembersPerCountry *int       `json:"min_members_per_country"`
	MaxMembersPerCountry *int       `json:"max_members_per_country"`
	TimeDeactivated      *time.Time `json:"time_deactivated"`
}

// UpdateModuleRequest carries the mutable fields of a module instance.
type UpdateModuleRequest struct {
	Name                 string     `json:"name" binding:"required,max=255"`
	Intro                string     `json:"intro"`
	Active               bool       `json:"active"`
	DefaultGroupingID    *string    `json:"default_grouping_id"`
	MinMembers           int        `json:"min_members" binding:"min=0"`
	MaxMembers           int        `json:"max_members" binding:"min=0"`
	MinMembersPerCountry int        `json:"min_members_per_country" binding:"min=0"`
	MaxMembersPerCountry int        `json:"max_members_per_country" binding:"min=0"`
	TimeDeactivated      *time.Time `json:"time_deactivated"`
}

// List returns module instances matching the filter with pagination metadata.
func (s *ModuleService) List(ctx context.Context, filter models.ModuleFilter) ([]models.ModuleInstance, *models.Pagination, error) {
	modules, total, err := s.modules.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list modules")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}

	return modules, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns a single module instance.
func (s *ModuleService) Get(ctx context.Context, id string) (*models.ModuleInstance, error) {
	module, err := s.modules.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "module not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load module")
	}
	return module, nil
}

// Create validates thresholds, fills site-wide defaults for omitted ones and
// persists a new active instance.
func (s *ModuleService) Create(ctx context.Context, req CreateModuleRequest, actor *models.User) (*models.ModuleInstance, error) {
	if !s.capability.HasCapability(CapabilityConfigureInstance, actor.Role) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not allowed to configure module instances")
	}

	module := &models.ModuleInstance{
		CourseID:             req.CourseID,
		Name:                 req.Name,
		Intro:                req.Intro,
		Active:               true,
		DefaultGroupingID:    req.DefaultGroupingID,
		MinMembers:           valueOrDefault(req.MinMembers, s.defaults.DefaultMinMembers),
		MaxMembers:           valueOrDefault(req.MaxMembers, s.defaults.DefaultMaxMembers),
		MinMembersPerCountry: valueOrDefault(req.MinMembersPerCountry, 0),
		MaxMembersPerCountry: valueOrDefault(req.MaxMembersPerCountry, s.defaults.DefaultMaxMembersPerCountry),
		TimeDeactivated:      req.TimeDeactivated,
	}

	if err := s.validateThresholds(module); err != nil {
		return nil, err
	}
	if err := s.validateGrouping(ctx, module); err != nil {
		return nil, err
	}

	if err := s.modules.Create(ctx, module); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create module")
	}

	s.logger.Info("module created",
		zap.String("module_id", module.ID),
		zap.String("course_id", module.CourseID),
		zap.String("actor_id", actor.ID),
	)
	return module, nil
}

// Update rewrites the mutable fields of an instance. Applied instances are
// frozen and reject every update.
func (s *ModuleService) Update(ctx context.Context, id string, req UpdateModuleRequest, actor *models.User) (*models.ModuleInstance, error) {
	if !s.capability.HasCapability(CapabilityConfigureInstance, actor.Role) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not allowed to configure module instances")
	}

	module, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if module.Applied {
		return nil, appErrors.Clone(appErrors.ErrModuleApplied, "applied modules cannot be reconfigured")
	}

	module.Name = req.Name
	module.Intro = req.Intro
	module.Active = req.Active
	module.DefaultGroupingID = req.DefaultGroupingID
	module.MinMembers = req.MinMembers
	module.MaxMembers = req.MaxMembers
	module.MinMembersPerCountry = req.MinMembersPerCountry
	module.MaxMembersPerCountry = req.MaxMembersPerCountry
	module.TimeDeactivated = req.TimeDeactivated

	if err := s.validateThresholds(module); err != nil {
		return nil, err
	}
	if err := s.validateGrouping(ctx, module); err != nil {
		return nil, err
	}

	if err := s.modules.Update(ctx, module); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update module")
	}

	s.logger.Info("module updated", zap.String("module_id", module.ID), zap.String("actor_id", actor.ID))
	return module, nil
}

// Delete removes a module instance and every group under it. The cascade runs
// memberships-then-group per group and aborts on the first failure, leaving
// any remaining rows in place.
func (s *ModuleService) Delete(ctx context.Context, id string, actor *models.User) error {
	if !s.capability.HasCapability(CapabilityConfigureInstance, actor.Role) {
		return appErrors.Clone(appErrors.ErrForbidden, "not allowed to configure module instances")
	}

	module, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	groups, err := s.groups.ListByModule(ctx, module.ID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list module groups")
	}
	for _, group := range groups {
		if err := s.groups.RemoveAllMemberships(ctx, group.ID); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status,
				fmt.Sprintf("failed to remove memberships of group %s", group.ID))
		}
		if err := s.groups.Delete(ctx, group.ID); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status,
				fmt.Sprintf("failed to delete group %s", group.ID))
		}
	}

	if err := s.modules.Delete(ctx, module.ID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete module")
	}

	s.logger.Info("module deleted",
		zap.String("module_id", module.ID),
		zap.Int("groups_removed", len(groups)),
		zap.String("actor_id", actor.ID),
	)
	return nil
}

// validateThresholds enforces the cross-field rules: a positive maximum must
// cover a positive minimum, and a positive overall maximum must cover a
// positive per-country maximum. Zero always means unlimited and is exempt.
func (s *ModuleService) validateThresholds(module *models.ModuleInstance) error {
	if module.MinMembers < 0 || module.MaxMembers < 0 ||
		module.MinMembersPerCountry < 0 || module.MaxMembersPerCountry < 0 {
		return appErrors.Clone(appErrors.ErrValidation, "member thresholds cannot be negative")
	}
	if module.MinMembers > 0 && module.MaxMembers > 0 && module.MaxMembers < module.MinMembers {
		return appErrors.Clone(appErrors.ErrValidation, "max_members must not be lower than min_members")
	}
	if module.MaxMembers > 0 && module.MaxMembersPerCountry > 0 && module.MaxMembers < module.MaxMembersPerCountry {
		return appErrors.Clone(appErrors.ErrValidation, "max_members must not be lower than max_members_per_country")
	}
	return nil
}

func (s *ModuleService) validateGrouping(ctx context.Context, module *models.ModuleInstance) error {
	if module.DefaultGroupingID == nil || *module.DefaultGroupingID == "" {
		module.DefaultGroupingID = nil
		return nil
	}
	exists, err := s.groupings.GroupingExists(ctx, module.CourseID, *module.DefaultGroupingID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check grouping")
	}
	if !exists {
		return appErrors.Clone(appErrors.ErrValidation, "default grouping does not exist in this course")
	}
	return nil
}

func valueOrDefault(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}
