package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/reimburse-api/internal/dto"
	"github.com/noah-isme/reimburse-api/internal/models"
	"github.com/noah-isme/reimburse-api/internal/service"
	appErrors "github.com/noah-isme/reimburse-api/pkg/errors"
	"github.com/noah-isme/reimburse-api/pkg/response"
)

// ApprovalHandler exposes the approve/reject decision endpoints.
type ApprovalHandler struct {
	routing *service.RoutingService
}

// NewApprovalHandler constructs the handler.
func NewApprovalHandler(routing *service.RoutingService) *ApprovalHandler {
	return &ApprovalHandler{routing: routing}
}

// Approve godoc
// @Summary Approve the pending level of a reimbursement
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "Reimbursement ID"
// @Param payload body dto.DecisionRequest false "Optional remarks"
// @Success 200 {object} response.Envelope
// @Router /approvals/{id}/approve [post]
func (h *ApprovalHandler) Approve(c *gin.Context) {
	h.decide(c, models.OutcomeApprove)
}

// Reject godoc
// @Summary Reject the pending level of a reimbursement
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "Reimbursement ID"
// @Param payload body dto.DecisionRequest true "Mandatory remarks"
// @Success 200 {object} response.Envelope
// @Router /approvals/{id}/reject [post]
func (h *ApprovalHandler) Reject(c *gin.Context) {
	h.decide(c, models.OutcomeReject)
}

func (h *ApprovalHandler) decide(c *gin.Context, outcome models.DecisionOutcome) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.DecisionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid decision payload"))
			return
		}
	}
	rec, err := h.routing.Decide(c.Request.Context(), c.Param("id"), claims, outcome, req.Remarks)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, rec, nil)
}
