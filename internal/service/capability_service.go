package service

import "github.com/noah-isme/customgroups-api/internal/models"

// Capability names the guarded actions of the group-formation workflow.
type Capability string

const (
	CapabilityCreateGroup       Capability = "creategroup"
	CapabilityJoinGroup         Capability = "joingroup"
	CapabilityApplyGroups       Capability = "applygroups"
	CapabilityConfigureInstance Capability = "configureinstance"
)

// CapabilityService resolves which roles hold which capabilities. Students
// hold the self-service capabilities; instructors and administrators hold the
// configuration and apply capabilities.
type CapabilityService struct {
	grants map[Capability]map[models.UserRole]struct{}
}

// NewCapabilityService builds the default capability table.
func NewCapabilityService() *CapabilityService {
	return &CapabilityService{grants: map[Capability]map[models.UserRole]struct{}{
		CapabilityCreateGroup: roleSet(models.RoleStudent),
		CapabilityJoinGroup:   roleSet(models.RoleStudent),
		CapabilityApplyGroups: roleSet(models.RoleTeacher, models.RoleAdmin, models.RoleSuperAdmin),
		CapabilityConfigureInstance: roleSet(
			models.RoleTeacher, models.RoleAdmin, models.RoleSuperAdmin,
		),
	}}
}

// HasCapability reports whether the role holds the capability.
func (s *CapabilityService) HasCapability(capability Capability, role models.UserRole) bool {
	roles, ok := s.grants[capability]
	if !ok {
		return false
	}
	_, ok = roles[role]
	return ok
}

func roleSet(roles ...models.UserRole) map[models.UserRole]struct{} {
	set := make(map[models.UserRole]struct{}, len(roles))
	for _, role := range roles {
		set[role] = struct{}{}
	}
	return set
}
