package export

import (
	"context"
	"fmt"
	"time"

	"github.com/cwygoda/enhancer/internal/domain"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const historySheet = "History"

// Service renders recorded history as spreadsheets.
type Service struct {
	history domain.HistoryStore
	logger  *zap.Logger
}

// NewService creates an export service reading from history.
func NewService(history domain.HistoryStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{history: history, logger: logger}
}

// HistoryXLSX returns an XLSX workbook of all recorded outcomes, newest first.
func (s *Service) HistoryXLSX(ctx context.Context) ([]byte, error) {
	start := time.Now()

	entries, err := s.history.List(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	// Reuse the default sheet.
	if err := f.SetSheetName(f.GetSheetName(0), historySheet); err != nil {
		return nil, err
	}

	headers := []string{
		"Filename",
		"Size (bytes)",
		"Status",
		"Error",
		"Result URL",
		"Uploaded",
		"Finished",
	}
	for i, h := range headers {
		if err := setCell(f, i+1, 1, h); err != nil {
			return nil, err
		}
	}

	for i, e := range entries {
		row := i + 2
		values := []any{
			e.Filename,
			e.Size,
			string(e.Status),
			e.Error,
			e.ResultURL,
			formatTime(e.UploadedAt),
			formatTime(e.FinishedAt),
		}
		for col, v := range values {
			if err := setCell(f, col+1, row, v); err != nil {
				return nil, err
			}
		}
	}

	widths := []struct {
		from, to string
		width    float64
	}{
		{"A", "A", 32},
		{"B", "C", 14},
		{"D", "D", 40},
		{"E", "E", 60},
		{"F", "G", 22},
	}
	for _, w := range widths {
		if err := f.SetColWidth(historySheet, w.from, w.to, w.width); err != nil {
			return nil, fmt.Errorf("column width %s:%s: %w", w.from, w.to, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("history exported",
		zap.Int("rows", len(entries)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return buf.Bytes(), nil
}

func setCell(f *excelize.File, col, row int, v any) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return fmt.Errorf("cell name: %w", err)
	}
	if err := f.SetCellValue(historySheet, cell, v); err != nil {
		return fmt.Errorf("set %s: %w", cell, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
