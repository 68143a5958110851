package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/customgroups-api/internal/models"
	appErrors "github.com/noah-isme/customgroups-api/pkg/errors"
)

type moduleApplier interface {
	moduleReader
	MarkApplied(ctx context.Context, id string, at time.Time) error
}

type courseGroupWriter interface {
	CreatePermanentGroup(ctx context.Context, courseID, name string) (string, error)
	AssignToGrouping(ctx context.Context, groupingID, groupID string) error
	AddMember(ctx context.Context, groupID, userID string) error
}

type applyGroupReader interface {
	ListByModule(ctx context.Context, moduleID string) ([]models.StudentGroup, error)
	CountMembers(ctx context.Context, groupID string) (int, error)
	ListMembers(ctx context.Context, groupID string) ([]models.GroupMember, error)
}

// ApplyService promotes student groups into the permanent course-group
// system. Promotion is a sequence of writes with no rollback: a mid-apply
// failure leaves already-promoted groups in place and reports the error.
type ApplyService struct {
	modules      moduleApplier
	groups       applyGroupReader
	courseGroups courseGroupWriter
	capability   capabilityChecker
	logger       *zap.Logger
	metrics      *MetricsService
	now          func() time.Time
}

// NewApplyService constructs the service.
func NewApplyService(
	modules moduleApplier,
	groups applyGroupReader,
	courseGroups courseGroupWriter,
	capability capabilityChecker,
	logger *zap.Logger,
) *ApplyService {
	return &ApplyService{
		modules:      modules,
		groups:       groups,
		courseGroups: courseGroups,
		capability:   capability,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics attaches promotion instrumentation.
func (s *ApplyService) WithMetrics(m *MetricsService) *ApplyService {
	s.metrics = m
	return s
}

func notFoundOrInternal(err error, notFoundMsg, internalMsg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, notFoundMsg)
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, internalMsg)
}

// applicable reports whether a group with the given member count clears the
// minimum-members floor. A zero minimum still requires one member: empty
// groups are never promoted.
func applicable(minMembers, count int) bool {
	return count >= minRequired(minMembers)
}

// minRequired is the effective floor: the configured minimum, or one when no
// minimum is configured.
func minRequired(minMembers int) int {
	if minMembers <= 0 {
		return 1
	}
	return minMembers
}

// CanApply reports whether the group clears the module's floor right now.
func (s *ApplyService) CanApply(ctx context.Context, module *models.ModuleInstance, groupID string) (bool, error) {
	count, err := s.groups.CountMembers(ctx, groupID)
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count members")
	}
	return applicable(module.MinMembers, count), nil
}

// Summary previews an apply run: group and member tallies split into
// promotable and below-floor.
func (s *ApplyService) Summary(ctx context.Context, moduleID string, actor *models.User) (*models.ApplySummary, error) {
	if !s.capability.HasCapability(CapabilityApplyGroups, actor.Role) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not allowed to apply groups")
	}

	module, err := s.modules.FindByID(ctx, moduleID)
	if err != nil {
		return nil, notFoundOrInternal(err, "module not found", "failed to load module")
	}
	if module.Applied {
		return nil, appErrors.Clone(appErrors.ErrModuleApplied, "")
	}

	groups, err := s.groups.ListByModule(ctx, module.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list groups")
	}

	summary := &models.ApplySummary{}
	for _, group := range groups {
		count, err := s.groups.CountMembers(ctx, group.ID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count members")
		}
		if applicable(module.MinMembers, count) {
			summary.ApplicableGroups++
			summary.ApplicableMembers += count
		} else {
			summary.InapplicableGroups++
			summary.InapplicableMembers += count
		}
	}
	return summary, nil
}

// applyGroup promotes one group: create the permanent group, link it to the
// default grouping when configured, then add every member in join order.
func (s *ApplyService) applyGroup(ctx context.Context, module *models.ModuleInstance, group *models.StudentGroup) error {
	permanentID, err := s.courseGroups.CreatePermanentGroup(ctx, module.CourseID, group.Name)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrCourseGroupWrite.Code, appErrors.ErrCourseGroupWrite.Status,
			"failed to create permanent group "+group.Name)
	}

	if module.DefaultGroupingID != nil && *module.DefaultGroupingID != "" {
		if err := s.courseGroups.AssignToGrouping(ctx, *module.DefaultGroupingID, permanentID); err != nil {
			return appErrors.Wrap(err, appErrors.ErrCourseGroupWrite.Code, appErrors.ErrCourseGroupWrite.Status,
				"failed to assign group "+group.Name+" to grouping")
		}
	}

	members, err := s.groups.ListMembers(ctx, group.ID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list members")
	}
	for _, member := range members {
		if err := s.courseGroups.AddMember(ctx, permanentID, member.UserID); err != nil {
			return appErrors.Wrap(err, appErrors.ErrCourseGroupWrite.Code, appErrors.ErrCourseGroupWrite.Status,
				"failed to add member to permanent group "+group.Name)
		}
	}

	s.metrics.RecordGroupApplied()
	s.logger.Info("group applied",
		zap.String("group_id", group.ID),
		zap.String("permanent_group_id", permanentID),
		zap.Int("members", len(members)),
	)
	return nil
}

// ApplyModule promotes every group clearing the floor, then flips the
// instance's one-way applied latch and closes it. Already-applied modules are
// rejected. Below-floor groups are skipped, not promoted later. The first
// promotion failure stops the run; groups promoted before it stay promoted
// and the latch is not set.
func (s *ApplyService) ApplyModule(ctx context.Context, moduleID string, actor *models.User) (*models.ApplySummary, error) {
	if !s.capability.HasCapability(CapabilityApplyGroups, actor.Role) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not allowed to apply groups")
	}

	module, err := s.modules.FindByID(ctx, moduleID)
	if err != nil {
		return nil, notFoundOrInternal(err, "module not found", "failed to load module")
	}
	if module.Applied {
		return nil, appErrors.Clone(appErrors.ErrModuleApplied, "")
	}

	groups, err := s.groups.ListByModule(ctx, module.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list groups")
	}

	summary := &models.ApplySummary{}
	for i := range groups {
		group := &groups[i]
		count, err := s.groups.CountMembers(ctx, group.ID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count members")
		}
		if !applicable(module.MinMembers, count) {
			summary.InapplicableGroups++
			summary.InapplicableMembers += count
			continue
		}
		if err := s.applyGroup(ctx, module, group); err != nil {
			return nil, err
		}
		summary.ApplicableGroups++
		summary.ApplicableMembers += count
	}

	if err := s.modules.MarkApplied(ctx, module.ID, s.now()); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark module applied")
	}

	s.logger.Info("module applied",
		zap.String("module_id", module.ID),
		zap.String("actor_id", actor.ID),
		zap.Int("groups_applied", summary.ApplicableGroups),
		zap.Int("groups_skipped", summary.InapplicableGroups),
	)
	return summary, nil
}
