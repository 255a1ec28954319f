package export

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cwygoda/enhancer/internal/domain"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap/zaptest"
)

type fakeHistory struct {
	entries []domain.HistoryEntry
	err     error
}

func (f *fakeHistory) List(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	return f.entries, f.err
}

func TestService_HistoryXLSX(t *testing.T) {
	finished := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	history := &fakeHistory{entries: []domain.HistoryEntry{
		{
			JobID:      "a",
			Filename:   "cat.png",
			Size:       1234,
			Status:     domain.StatusCompleted,
			ResultURL:  "http://remote/api/result/abc",
			UploadedAt: finished.Add(-time.Minute),
			FinishedAt: finished,
		},
		{
			JobID:    "b",
			Filename: "dog.jpg",
			Status:   domain.StatusFailed,
			Error:    "Enhancement failed",
		},
	}}

	svc := NewService(history, zaptest.NewLogger(t))
	data, err := svc.HistoryXLSX(context.Background())
	if err != nil {
		t.Fatalf("HistoryXLSX() error = %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(historySheet)
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0][0] != "Filename" || rows[0][2] != "Status" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][0] != "cat.png" || rows[1][1] != "1234" || rows[1][2] != "completed" || rows[1][4] != "http://remote/api/result/abc" {
		t.Errorf("row 1 = %v", rows[1])
	}
	if rows[1][6] != "2024-05-01T10:30:00Z" {
		t.Errorf("finished = %q", rows[1][6])
	}
	if rows[2][2] != "failed" || rows[2][3] != "Enhancement failed" {
		t.Errorf("row 2 = %v", rows[2])
	}

	if sheets := f.GetSheetList(); len(sheets) != 1 {
		t.Errorf("sheets = %v, want only %q", sheets, historySheet)
	}
}

func TestService_HistoryXLSXError(t *testing.T) {
	want := errors.New("db closed")
	svc := NewService(&fakeHistory{err: want}, nil)

	if _, err := svc.HistoryXLSX(context.Background()); !errors.Is(err, want) {
		t.Errorf("HistoryXLSX() error = %v, want %v", err, want)
	}
}

func TestSetCell_Errors(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()

	if err := setCell(f, 0, 1, "x"); err == nil {
		t.Error("setCell(col 0) error = nil, want error")
	}
	// The new file still has only its default sheet.
	if err := setCell(f, 1, 1, "x"); err == nil {
		t.Errorf("setCell() on missing %q sheet error = nil, want error", historySheet)
	}

	if err := f.SetSheetName(f.GetSheetName(0), historySheet); err != nil {
		t.Fatal(err)
	}
	if err := setCell(f, 2, 3, 42); err != nil {
		t.Fatalf("setCell() error = %v", err)
	}
	if v, _ := f.GetCellValue(historySheet, "B3"); v != "42" {
		t.Errorf("B3 = %q, want 42", v)
	}
}
