package handler

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/reimburse-api/internal/models"
	"github.com/noah-isme/reimburse-api/internal/service"
	appErrors "github.com/noah-isme/reimburse-api/pkg/errors"
	"github.com/noah-isme/reimburse-api/pkg/response"
)

// StatementHandler exposes reimbursement statement exports behind signed
// download URLs.
type StatementHandler struct {
	exports *service.ExportService
}

// NewStatementHandler constructs the handler.
func NewStatementHandler(exports *service.ExportService) *StatementHandler {
	return &StatementHandler{exports: exports}
}

// Export godoc
// @Summary Generate a reimbursement statement (CSV or PDF)
// @Tags Statements
// @Produce json
// @Param format query string true "csv or pdf"
// @Param userId query string false "Scope to one submitter"
// @Param status query string false "Status filter"
// @Success 200 {object} response.Envelope
// @Router /statements/export [get]
func (h *StatementHandler) Export(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if h.exports == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "exports not configured"))
		return
	}

	query := service.StatementQuery{
		UserID: c.Query("userId"),
		Status: models.ReimbursementStatus(strings.ToUpper(c.Query("status"))),
		Format: service.ExportFormat(strings.ToLower(c.DefaultQuery("format", "csv"))),
	}
	// employees may only export their own statement
	if claims.Role == models.RoleEmployee {
		query.UserID = claims.UserID
	}

	result, err := h.exports.Generate(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Download godoc
// @Summary Download a generated statement via its signed token
// @Tags Statements
// @Produce octet-stream
// @Param token path string true "Signed download token"
// @Success 200 {file} binary
// @Router /statements/download/{token} [get]
func (h *StatementHandler) Download(c *gin.Context) {
	if h.exports == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "exports not configured"))
		return
	}
	_, relPath, _, err := h.exports.ParseToken(c.Param("token"), false)
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token"))
		return
	}
	file, err := h.exports.Open(relPath)
	if err != nil {
		response.Error(c, appErrors.ErrNotFound)
		return
	}
	defer file.Close() //nolint:errcheck
	info, err := file.Stat()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read statement"))
		return
	}
	contentType := "text/csv"
	if strings.EqualFold(filepath.Ext(relPath), ".pdf") {
		contentType = "application/pdf"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(relPath)))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, info.Size(), contentType, file, nil)
}
