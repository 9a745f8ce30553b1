package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/reimburse-api/internal/models"
	appErrors "github.com/noah-isme/reimburse-api/pkg/errors"
	"github.com/noah-isme/reimburse-api/pkg/export"
	"github.com/noah-isme/reimburse-api/pkg/storage"
)

type statementSource interface {
	List(ctx context.Context, filter models.ReimbursementFilter) ([]models.Reimbursement, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

// ExportFormat selects the rendered statement file type.
type ExportFormat string

const (
	ExportFormatCSV ExportFormat = "csv"
	ExportFormatPDF ExportFormat = "pdf"
)

// ExportConfig tunes statement generation behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
	MaxRows   int
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       ExportFormat
	Rows         int
	ExpiresAt    time.Time
}

// StatementQuery scopes the statement to a user, status or date window.
type StatementQuery struct {
	UserID   string
	Status   models.ReimbursementStatus
	Category models.ReimbursementCategory
	Format   ExportFormat
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportService renders reimbursement statements to CSV or PDF and persists
// them behind signed download tokens.
type ExportService struct {
	source  statementSource
	storage fileStorage
	csv     csvRenderer
	pdf     pdfRenderer
	signer  *storage.SignedURLSigner
	logger  *zap.Logger
	cfg     ExportConfig
}

// NewExportService constructs an ExportService.
func NewExportService(source statementSource, store fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 5000
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		source:  source,
		storage: store,
		csv:     csv,
		pdf:     pdf,
		signer:  signer,
		logger:  logger,
		cfg:     cfg,
	}
}

// Generate builds the statement dataset and stores the rendered file. The
// actor must be an admin or chain member to export other users' records;
// the handler enforces that before calling in.
func (s *ExportService) Generate(ctx context.Context, query StatementQuery) (*ExportResult, error) {
	if query.Format != ExportFormatCSV && query.Format != ExportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", query.Format))
	}

	filter := models.ReimbursementFilter{
		UserID:   query.UserID,
		Category: query.Category,
		Limit:    s.cfg.MaxRows,
	}
	if query.Status != "" {
		filter.Status = []models.ReimbursementStatus{query.Status}
	}
	records, err := s.source.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("load statement rows: %w", err)
	}

	dataset, title := buildStatementDataset(records, query)

	var payload []byte
	switch query.Format {
	case ExportFormatCSV:
		payload, err = s.csv.Render(dataset)
	case ExportFormatPDF:
		payload, err = s.pdf.Render(dataset, title)
	}
	if err != nil {
		return nil, fmt.Errorf("render statement: %w", err)
	}

	filename := s.buildFilename(query)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, fmt.Errorf("store statement: %w", err)
	}

	token, expiresAt, err := s.signer.Generate(filename, relPath)
	if err != nil {
		return nil, fmt.Errorf("sign statement url: %w", err)
	}
	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}

	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          fmt.Sprintf("%s/statements/download/%s", prefix, token),
		Format:       query.Format,
		Rows:         len(records),
		ExpiresAt:    expiresAt,
	}, nil
}

// ParseToken validates download token metadata.
func (s *ExportService) ParseToken(token string, allowExpired bool) (fileID, relPath string, expiresAt time.Time, err error) {
	return s.signer.Parse(token, allowExpired)
}

// Open returns a handle to the stored file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Delete removes a stored statement file.
func (s *ExportService) Delete(relPath string) error {
	return s.storage.Delete(relPath)
}

// Cleanup removes files older than ttl (defaults to the configured ResultTTL
// when ttl <= 0).
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

func (s *ExportService) buildFilename(query StatementQuery) string {
	timestamp := time.Now().UTC().Format("20060102_150405")
	scope := sanitizeFilename(query.UserID)
	return fmt.Sprintf("statement_%s_%s.%s", scope, timestamp, query.Format)
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "all"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}

func buildStatementDataset(records []models.Reimbursement, query StatementQuery) (export.Dataset, string) {
	rows := make([]map[string]string, 0, len(records))
	for _, rec := range records {
		approver := ""
		if rec.CurrentApprover != nil {
			approver = string(*rec.CurrentApprover)
		}
		decidedAt := ""
		if rec.ApprovedAt != nil {
			decidedAt = rec.ApprovedAt.UTC().Format("2006-01-02 15:04")
		}
		rows = append(rows, map[string]string{
			"ID":           rec.ID,
			"Employee":     rec.UserID,
			"Category":     string(rec.Category),
			"Description":  rec.Description,
			"Merchant":     rec.Merchant,
			"Expense Date": rec.DateOfExpense.Format("2006-01-02"),
			"Total":        rec.Total(),
			"Status":       string(rec.Status),
			"Awaiting":     approver,
			"Submitted":    rec.SubmittedAt.UTC().Format("2006-01-02 15:04"),
			"Approved At":  decidedAt,
		})
	}
	dataset := export.Dataset{
		Headers: []string{"ID", "Employee", "Category", "Description", "Merchant", "Expense Date", "Total", "Status", "Awaiting", "Submitted", "Approved At"},
		Rows:    rows,
	}
	title := "Reimbursement Statement"
	if query.UserID != "" {
		title = fmt.Sprintf("Reimbursement Statement %s", query.UserID)
	}
	return dataset, title
}
