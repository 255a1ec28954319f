package domain

import (
	"context"
	"time"
)

// RefStore is the driven port for local display references of originals.
type RefStore interface {
	Create(name, contentType string, data []byte) string
	Release(ref string) bool
}

// UploadResult is the remote acknowledgement of an upload.
type UploadResult struct {
	JobID            string
	TaskID           string
	Status           string
	Message          string
	OriginalFilename string
	FileSize         int64
}

// RemoteStatus is one answer from the remote status endpoint.
type RemoteStatus struct {
	JobID       string
	Status      JobStatus
	ResultURL   string
	CompletedAt *time.Time
	Message     string
	Error       string
	Progress    *int
	Stage       string
}

// EnhanceService is the driven port for the remote enhancement API.
type EnhanceService interface {
	Upload(ctx context.Context, file File) (*UploadResult, error)
	Status(ctx context.Context, remoteID string) (*RemoteStatus, error)
	ResultURL(remoteID string) string
	Delete(ctx context.Context, remoteID string) error
}

// Poller drives uploaded jobs to a terminal state.
type Poller interface {
	Start(id string)
	Cancel(id string)
	CancelAll()
}

// FileValidator checks a file before it is uploaded.
type FileValidator interface {
	Validate(file File) error
}

// Listener observes registry mutations. Calls happen after the registry lock is released.
type Listener interface {
	JobChanged(job Job)
	JobRemoved(job Job)
}

// HistoryEntry is the recorded outcome of one enhancement attempt.
type HistoryEntry struct {
	JobID       string
	RemoteID    string
	Filename    string
	ContentType string
	Size        int64
	Status      JobStatus
	Error       string
	ResultURL   string
	UploadedAt  time.Time
	FinishedAt  time.Time
}

// HistoryStore reads recorded outcomes, newest first.
type HistoryStore interface {
	List(ctx context.Context, limit int) ([]HistoryEntry, error)
}
