package domain

import (
	"errors"
	"fmt"
	"time"
)

// JobStatus represents the enhancement state of a job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// ErrUnknownStatus is returned when a status string is outside the known set.
var ErrUnknownStatus = errors.New("unknown job status")

// ParseStatus converts a wire status into a JobStatus.
func ParseStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return JobStatus(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// Terminal reports whether no further transitions happen from this status.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// File is an image payload supplied by the user.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Size returns the payload length in bytes.
func (f File) Size() int64 {
	return int64(len(f.Data))
}

// Job tracks one image through upload and enhancement.
type Job struct {
	ID           string
	RemoteID     string
	Status       JobStatus
	Original     File
	OriginalRef  string
	ResultRef    string
	Progress     *int
	Stage        string
	Error        string
	PollFailures int
	Restored     bool
	UploadedAt   time.Time
	UpdatedAt    time.Time

	seq uint64
}

// Uploaded reports whether the remote service has acknowledged the job.
// A queued job that is not uploaded only exists locally.
func (j *Job) Uploaded() bool {
	return j.RemoteID != ""
}

// CanRetry returns true if the user may resubmit the job: it failed, or its
// result was discarded and the original is held for another attempt.
func (j *Job) CanRetry() bool {
	return j.Status == StatusFailed || j.Restored
}

// Patch holds the fields to merge into a job. Nil fields are left untouched.
type Patch struct {
	Status       *JobStatus
	ResultRef    *string
	Progress     *int
	Stage        *string
	Error        *string
	PollFailures *int
}

// StatusPatch builds a patch that only changes the status.
func StatusPatch(s JobStatus) Patch {
	return Patch{Status: &s}
}

// FailedPatch builds a patch marking a job failed with msg.
func FailedPatch(msg string) Patch {
	s := StatusFailed
	return Patch{Status: &s, Error: &msg}
}

// CompletedPatch builds a patch marking a job completed with its result reference.
func CompletedPatch(resultRef string) Patch {
	s := StatusCompleted
	return Patch{Status: &s, ResultRef: &resultRef}
}

// apply merges p into a copy of j and checks the result invariant.
func (p Patch) apply(j Job) (Job, error) {
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.ResultRef != nil {
		j.ResultRef = *p.ResultRef
	}
	if p.Progress != nil {
		v := *p.Progress
		j.Progress = &v
	}
	if p.Stage != nil {
		j.Stage = *p.Stage
	}
	if p.Error != nil {
		j.Error = *p.Error
	}
	if p.PollFailures != nil {
		j.PollFailures = *p.PollFailures
	}
	if j.Status != StatusCompleted {
		j.ResultRef = ""
	} else if j.ResultRef == "" {
		return Job{}, ErrMissingResult
	}
	return j, nil
}
