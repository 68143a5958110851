package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/customgroups-api/internal/service"
	appErrors "github.com/noah-isme/customgroups-api/pkg/errors"
	"github.com/noah-isme/customgroups-api/pkg/response"
)

// GroupHandler wires HTTP endpoints to the group service.
type GroupHandler struct {
	service *service.GroupService
}

// NewGroupHandler creates a new handler.
func NewGroupHandler(svc *service.GroupService) *GroupHandler {
	return &GroupHandler{service: svc}
}

// ListByModule godoc
// @Summary List module groups
// @Description List a module's groups with the caller's join/leave/edit eligibility
// @Tags Groups
// @Produce json
// @Param id path string true "Module ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /modules/{id}/groups [get]
func (h *GroupHandler) ListByModule(c *gin.Context) {
	actor := actingUser(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	view, err := h.service.ModuleGroups(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, view, nil)
}

// Create godoc
// @Summary Create group
// @Description Create a student group; the creator becomes owner and first member
// @Tags Groups
// @Accept json
// @Produce json
// @Param id path string true "Module ID"
// @Param payload body service.CreateGroupRequest true "Group payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /modules/{id}/groups [post]
func (h *GroupHandler) Create(c *gin.Context) {
	actor := actingUser(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid group payload"))
		return
	}

	group, err := h.service.CreateGroup(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, group)
}

// Update godoc
// @Summary Update group
// @Description Update a group's name and description; owner only
// @Tags Groups
// @Accept json
// @Produce json
// @Param id path string true "Group ID"
// @Param payload body service.UpdateGroupRequest true "Group payload"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /groups/{id} [put]
func (h *GroupHandler) Update(c *gin.Context) {
	actor := actingUser(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.UpdateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid group payload"))
		return
	}

	group, err := h.service.UpdateGroup(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, group, nil)
}

// Delete godoc
// @Summary Delete group
// @Description Delete a group and its memberships; owner only
// @Tags Groups
// @Produce json
// @Param id path string true "Group ID"
// @Success 204 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /groups/{id} [delete]
func (h *GroupHandler) Delete(c *gin.Context) {
	actor := actingUser(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.DeleteGroup(c.Request.Context(), c.Param("id"), actor); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

// Join godoc
// @Summary Join group
// @Description Join a group subject to capacity and per-country caps
// @Tags Groups
// @Produce json
// @Param id path string true "Group ID"
// @Success 204 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /groups/{id}/join [post]
func (h *GroupHandler) Join(c *gin.Context) {
	actor := actingUser(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.JoinGroup(c.Request.Context(), c.Param("id"), actor); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

// Leave godoc
// @Summary Leave group
// @Description Leave a group; owners must delete the group instead
// @Tags Groups
// @Produce json
// @Param id path string true "Group ID"
// @Success 204 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /groups/{id}/leave [post]
func (h *GroupHandler) Leave(c *gin.Context) {
	actor := actingUser(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.service.LeaveGroup(c.Request.Context(), c.Param("id"), actor); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}
