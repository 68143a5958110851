package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/customgroups-api/internal/service"
	appErrors "github.com/noah-isme/customgroups-api/pkg/errors"
	"github.com/noah-isme/customgroups-api/pkg/response"
)

// ApplyHandler wires HTTP endpoints to the apply service.
type ApplyHandler struct {
	service *service.ApplyService
}

// NewApplyHandler creates a new handler.
func NewApplyHandler(svc *service.ApplyService) *ApplyHandler {
	return &ApplyHandler{service: svc}
}

// Summary godoc
// @Summary Preview apply
// @Description Count groups and members that would be promoted or skipped
// @Tags Apply
// @Produce json
// @Param id path string true "Module ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /modules/{id}/apply-summary [get]
func (h *ApplyHandler) Summary(c *gin.Context) {
	actor := actingUser(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	summary, err := h.service.Summary(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, summary, nil)
}

// Apply godoc
// @Summary Apply module groups
// @Description Promote eligible groups into permanent course groups and close the module
// @Tags Apply
// @Produce json
// @Param id path string true "Module ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 502 {object} response.Envelope
// @Router /modules/{id}/apply [post]
func (h *ApplyHandler) Apply(c *gin.Context) {
	actor := actingUser(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	summary, err := h.service.ApplyModule(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, summary, nil)
}
