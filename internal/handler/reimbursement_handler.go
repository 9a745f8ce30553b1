package handler

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/noah-isme/reimburse-api/internal/dto"
	"github.com/noah-isme/reimburse-api/internal/models"
	"github.com/noah-isme/reimburse-api/internal/service"
	appErrors "github.com/noah-isme/reimburse-api/pkg/errors"
	"github.com/noah-isme/reimburse-api/pkg/response"
	"github.com/noah-isme/reimburse-api/pkg/storage"
)

// ReimbursementHandler exposes submission, listing and receipt endpoints.
type ReimbursementHandler struct {
	routing  *service.RoutingService
	receipts *storage.LocalStorage
	signer   *storage.SignedURLSigner
	prefix   string
}

// NewReimbursementHandler constructs the handler.
func NewReimbursementHandler(routing *service.RoutingService, receipts *storage.LocalStorage, signer *storage.SignedURLSigner, apiPrefix string) *ReimbursementHandler {
	prefix := strings.TrimRight(apiPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}
	return &ReimbursementHandler{routing: routing, receipts: receipts, signer: signer, prefix: prefix}
}

// Create godoc
// @Summary Submit a reimbursement request
// @Tags Reimbursements
// @Accept json
// @Produce json
// @Param payload body dto.CreateReimbursementRequest true "Submission payload"
// @Success 201 {object} response.Envelope
// @Router /reimbursements [post]
func (h *ReimbursementHandler) Create(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CreateReimbursementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid reimbursement payload"))
		return
	}
	rec, err := h.routing.Submit(c.Request.Context(), req, claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, rec, nil)
}

// List godoc
// @Summary List reimbursements visible to the caller
// @Tags Reimbursements
// @Produce json
// @Param status query string false "Status filter"
// @Param category query string false "Category filter"
// @Param userId query string false "Submitter filter (admins and approvers)"
// @Success 200 {object} response.Envelope
// @Router /reimbursements [get]
func (h *ReimbursementHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	query := dto.ReimbursementQuery{
		Status:   parseStatuses(c.Query("status")),
		Category: models.ReimbursementCategory(strings.ToUpper(c.Query("category"))),
		UserID:   c.Query("userId"),
		Limit:    parseIntDefault(c.Query("limit"), 50),
		Offset:   parseIntDefault(c.Query("offset"), 0),
	}
	items, err := h.routing.List(c.Request.Context(), query, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}

// Detail godoc
// @Summary Reimbursement detail with approval trail
// @Tags Reimbursements
// @Produce json
// @Param id path string true "Reimbursement ID"
// @Success 200 {object} response.Envelope
// @Router /reimbursements/{id} [get]
func (h *ReimbursementHandler) Detail(c *gin.Context) {
	detail, err := h.routing.Detail(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// Trail godoc
// @Summary Ordered approval trail for a reimbursement
// @Tags Reimbursements
// @Produce json
// @Param id path string true "Reimbursement ID"
// @Success 200 {object} response.Envelope
// @Router /reimbursements/{id}/trail [get]
func (h *ReimbursementHandler) Trail(c *gin.Context) {
	trail, err := h.routing.Trail(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, trail, nil)
}

// PendingAllApprovals godoc
// @Summary Pending approvals awaiting the caller's role
// @Tags Reimbursements
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /reimbursements/pending-all-approvals [get]
func (h *ReimbursementHandler) PendingAllApprovals(c *gin.Context) {
	items, err := h.routing.PendingForRole(c.Request.Context(), claimsFromContext(c),
		parseIntDefault(c.Query("limit"), 50), parseIntDefault(c.Query("offset"), 0))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}

// UploadReceipt godoc
// @Summary Attach a receipt file to a pending reimbursement
// @Tags Reimbursements
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "Reimbursement ID"
// @Param file formData file true "Receipt file"
// @Success 200 {object} response.Envelope
// @Router /reimbursements/{id}/receipt [post]
func (h *ReimbursementHandler) UploadReceipt(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if h.receipts == nil || h.signer == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "receipt storage not configured"))
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "file is required"))
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open file"))
		return
	}
	defer src.Close() //nolint:errcheck

	id := c.Param("id")
	ext := filepath.Ext(fileHeader.Filename)
	relPath := fmt.Sprintf("%s/%s%s", id, uuid.NewString(), ext)
	if _, err := h.receipts.SaveStream(relPath, io.LimitReader(src, 10<<20)); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store receipt"))
		return
	}
	if err := h.routing.AttachReceipt(c.Request.Context(), id, relPath, claims); err != nil {
		// the record refused the receipt, do not keep the orphan file
		_ = h.receipts.Delete(relPath)
		response.Error(c, err)
		return
	}
	token, expiresAt, err := h.signer.Generate(id, relPath)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign receipt url"))
		return
	}
	response.JSON(c, http.StatusOK, gin.H{
		"receipt_ref": relPath,
		"url":         fmt.Sprintf("%s/receipts/%s", h.prefix, token),
		"expires_at":  expiresAt.UTC().Format(time.RFC3339),
	}, nil)
}

// DownloadReceipt godoc
// @Summary Download a receipt via its signed token
// @Tags Reimbursements
// @Produce octet-stream
// @Param token path string true "Signed download token"
// @Success 200 {file} binary
// @Router /receipts/{token} [get]
func (h *ReimbursementHandler) DownloadReceipt(c *gin.Context) {
	if h.receipts == nil || h.signer == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "receipt storage not configured"))
		return
	}
	_, relPath, _, err := h.signer.Parse(c.Param("token"), false)
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired receipt token"))
		return
	}
	file, err := h.receipts.Open(relPath)
	if err != nil {
		response.Error(c, appErrors.ErrNotFound)
		return
	}
	defer file.Close() //nolint:errcheck
	info, err := file.Stat()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read receipt"))
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(relPath)))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, info.Size(), "application/octet-stream", file, nil)
}

func parseStatuses(raw string) []models.ReimbursementStatus {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	statuses := make([]models.ReimbursementStatus, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.ToUpper(strings.TrimSpace(part)); trimmed != "" {
			statuses = append(statuses, models.ReimbursementStatus(trimmed))
		}
	}
	return statuses
}

func parseIntDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
