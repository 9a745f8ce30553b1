package service

import (
	"context"
	"encoding/csv"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/reimburse-api/internal/models"
	appErrors "github.com/noah-isme/reimburse-api/pkg/errors"
	"github.com/noah-isme/reimburse-api/pkg/export"
	"github.com/noah-isme/reimburse-api/pkg/storage"
)

type statementSourceStub struct {
	records []models.Reimbursement
	filter  models.ReimbursementFilter
}

func (s *statementSourceStub) List(_ context.Context, filter models.ReimbursementFilter) ([]models.Reimbursement, error) {
	s.filter = filter
	return s.records, nil
}

func statementFixtures() []models.Reimbursement {
	approver := models.RoleFinance
	approvedAt := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	return []models.Reimbursement{
		{
			ID:              "rb-001",
			UserID:          "emp-1",
			Category:        models.CategoryExpense,
			Description:     "Client lunch",
			Merchant:        "Warung Sederhana",
			DateOfExpense:   time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
			TotalCents:      12550,
			Status:          models.ReimbursementStatusPending,
			CurrentApprover: &approver,
			SubmittedAt:     time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC),
		},
		{
			ID:            "rb-002",
			UserID:        "emp-1",
			Category:      models.CategoryOvertime,
			Description:   "Release weekend",
			DateOfExpense: time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
			TotalCents:    30000,
			Status:        models.ReimbursementStatusApproved,
			SubmittedAt:   time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC),
			ApprovedAt:    &approvedAt,
		},
	}
}

func newExportServiceForTest(t *testing.T, source statementSource) (*ExportService, *storage.LocalStorage) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("secret", time.Hour)
	cfg := ExportConfig{APIPrefix: "/api/v1", ResultTTL: time.Hour}
	svc := NewExportService(source, store, signer, cfg, zap.NewNop(), export.NewCSVExporter(), export.NewPDFExporter())
	return svc, store
}

func TestExportServiceGenerateCSV(t *testing.T) {
	source := &statementSourceStub{records: statementFixtures()}
	svc, store := newExportServiceForTest(t, source)

	result, err := svc.Generate(context.Background(), StatementQuery{UserID: "emp-1", Format: ExportFormatCSV})
	require.NoError(t, err)
	require.NotEmpty(t, result.RelativePath)
	assert.Contains(t, result.URL, "/statements/download/")
	assert.Equal(t, 2, result.Rows)
	assert.Equal(t, "emp-1", source.filter.UserID)

	file, err := os.Open(store.Path(result.RelativePath))
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "ID", rows[0][0])
	assert.Contains(t, rows[1], "125.50")
	assert.Contains(t, rows[2], "300.00")
}

func TestExportServiceGeneratePDF(t *testing.T) {
	svc, store := newExportServiceForTest(t, &statementSourceStub{records: statementFixtures()})

	result, err := svc.Generate(context.Background(), StatementQuery{Format: ExportFormatPDF})
	require.NoError(t, err)

	info, err := os.Stat(store.Path(result.RelativePath))
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
	assert.Equal(t, ExportFormatPDF, result.Format)
}

func TestExportServiceRejectsUnknownFormat(t *testing.T) {
	svc, _ := newExportServiceForTest(t, &statementSourceStub{})

	_, err := svc.Generate(context.Background(), StatementQuery{Format: "xlsx"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestExportServiceTokenRoundTrip(t *testing.T) {
	svc, _ := newExportServiceForTest(t, &statementSourceStub{records: statementFixtures()})

	result, err := svc.Generate(context.Background(), StatementQuery{Format: ExportFormatCSV})
	require.NoError(t, err)

	_, relPath, expiresAt, err := svc.ParseToken(result.Token, false)
	require.NoError(t, err)
	assert.Equal(t, result.RelativePath, relPath)
	assert.WithinDuration(t, result.ExpiresAt, expiresAt, time.Second)

	_, _, _, err = svc.ParseToken(result.Token+"tampered", false)
	require.Error(t, err)
}

func TestExportServiceCleanup(t *testing.T) {
	svc, store := newExportServiceForTest(t, &statementSourceStub{records: statementFixtures()})

	result, err := svc.Generate(context.Background(), StatementQuery{Format: ExportFormatCSV})
	require.NoError(t, err)

	stale := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(store.Path(result.RelativePath), stale, stale))

	deleted, err := svc.Cleanup(time.Hour)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	_, err = os.Stat(store.Path(result.RelativePath))
	assert.True(t, os.IsNotExist(err))
}
