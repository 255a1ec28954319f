package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const remoteDeleteTimeout = 10 * time.Second

// JobService orchestrates the submission lifecycle: registry, upload, polling, cleanup.
type JobService struct {
	registry    *Registry
	remote      EnhanceService
	poller      Poller
	validator   FileValidator
	logger      *zap.Logger
	concurrency int

	wg sync.WaitGroup
}

// NewJobService creates a new JobService.
func NewJobService(registry *Registry, remote EnhanceService, poller Poller, validator FileValidator, logger *zap.Logger) *JobService {
	return &JobService{
		registry:    registry,
		remote:      remote,
		poller:      poller,
		validator:   validator,
		logger:      logger,
		concurrency: 4,
	}
}

// SetConcurrency bounds the number of parallel uploads in SubmitBatch.
func (s *JobService) SetConcurrency(n int) {
	if n > 0 {
		s.concurrency = n
	}
}

// Registry exposes the underlying job registry for read access.
func (s *JobService) Registry() *Registry {
	return s.registry
}

// Submit validates file and registers it. A valid file is queued, uploaded and
// handed to the poller; upload failures leave the job failed. A file that fails
// validation is registered as failed without any network call.
// ErrJobNotFound is returned if the job was removed while the upload was in flight.
func (s *JobService) Submit(ctx context.Context, file File) (Job, error) {
	if err := s.validator.Validate(file); err != nil {
		job := s.registry.AddRejected(file, err.Error())
		s.logger.Info("job rejected",
			zap.String("job_id", job.ID),
			zap.String("filename", file.Name),
			zap.Int64("size", file.Size()),
			zap.Error(err),
		)
		return job, nil
	}

	job := s.registry.Add(file)
	s.logger.Info("job added",
		zap.String("job_id", job.ID),
		zap.String("filename", file.Name),
		zap.Int64("size", file.Size()),
	)
	return s.send(ctx, job)
}

// SubmitBatch submits files concurrently. Results keep the input order.
// Jobs removed while their upload was in flight are left out.
func (s *JobService) SubmitBatch(ctx context.Context, files []File) []Job {
	jobs := make([]Job, len(files))
	gone := make([]bool, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, f := range files {
		g.Go(func() error {
			job, err := s.Submit(gctx, f)
			if errors.Is(err, ErrJobNotFound) {
				s.logger.Debug("batch submit dropped job", zap.String("job_id", job.ID), zap.Error(err))
				gone[i] = true
			}
			jobs[i] = job
			return nil
		})
	}
	_ = g.Wait()

	kept := jobs[:0]
	for i, job := range jobs {
		if !gone[i] {
			kept = append(kept, job)
		}
	}
	return kept
}

// Retry resubmits a failed or restored job using its held original.
func (s *JobService) Retry(ctx context.Context, id string) (Job, error) {
	old, err := s.registry.Get(id)
	if err != nil {
		return Job{}, err
	}
	job, err := s.registry.Reset(id)
	if err != nil {
		return Job{}, err
	}
	if old.RemoteID != "" {
		s.deleteRemote(old.RemoteID)
	}
	s.logger.Info("job retried", zap.String("job_id", id))

	if err := s.validator.Validate(job.Original); err != nil {
		s.logger.Info("job rejected", zap.String("job_id", job.ID), zap.Error(err))
		return s.fail(job, err.Error())
	}
	return s.send(ctx, job)
}

// Undo discards the enhanced result of a completed job and restores the
// original. The remote job is dropped; Retry enhances the original again.
func (s *JobService) Undo(id string) (Job, error) {
	old, err := s.registry.Get(id)
	if err != nil {
		return Job{}, err
	}
	job, err := s.registry.Revert(id)
	if err != nil {
		return Job{}, err
	}
	if old.RemoteID != "" {
		s.deleteRemote(old.RemoteID)
	}
	s.logger.Info("job reverted", zap.String("job_id", id), zap.String("remote_id", old.RemoteID))
	return job, nil
}

// send uploads a queued job and starts polling it.
func (s *JobService) send(ctx context.Context, job Job) (Job, error) {
	res, err := s.remote.Upload(ctx, job.Original)
	if err != nil {
		s.logger.Warn("upload failed", zap.String("job_id", job.ID), zap.Error(err))
		return s.fail(job, fmt.Sprintf("Upload failed: %v", err))
	}

	associated, err := s.registry.Associate(job.ID, res.JobID)
	switch {
	case errors.Is(err, ErrJobNotFound):
		s.logger.Info("job removed during upload", zap.String("job_id", job.ID), zap.String("remote_id", res.JobID))
		s.deleteRemote(res.JobID)
		return job, err
	case err != nil:
		s.logger.Error("associate failed", zap.String("job_id", job.ID), zap.String("remote_id", res.JobID), zap.Error(err))
		return s.fail(job, err.Error())
	}

	s.logger.Info("job uploaded",
		zap.String("job_id", job.ID),
		zap.String("remote_id", res.JobID),
		zap.String("task_id", res.TaskID),
	)
	s.poller.Start(job.ID)
	return associated, nil
}

func (s *JobService) fail(job Job, msg string) (Job, error) {
	updated, err := s.registry.Update(job.ID, FailedPatch(msg))
	if err != nil {
		return job, err
	}
	return updated, nil
}

// Get returns a job by id.
func (s *JobService) Get(id string) (Job, error) {
	return s.registry.Get(id)
}

// List returns all jobs in upload order.
func (s *JobService) List() []Job {
	return s.registry.List()
}

// Remove stops polling for the job, releases its local reference and asks the
// remote service to drop its state. Unknown ids are ignored.
func (s *JobService) Remove(id string) {
	s.poller.Cancel(id)
	job, ok := s.registry.Remove(id)
	if !ok {
		return
	}
	s.logger.Info("job removed", zap.String("job_id", id))
	if job.RemoteID != "" {
		s.deleteRemote(job.RemoteID)
	}
}

// ClearAll cancels every poll and empties the registry.
func (s *JobService) ClearAll() int {
	s.poller.CancelAll()
	removed := s.registry.Clear()
	for _, job := range removed {
		if job.RemoteID != "" {
			s.deleteRemote(job.RemoteID)
		}
	}
	s.logger.Info("jobs cleared", zap.Int("count", len(removed)))
	return len(removed)
}

// Wait blocks until pending remote cleanups have finished.
func (s *JobService) Wait() {
	s.wg.Wait()
}

func (s *JobService) deleteRemote(remoteID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), remoteDeleteTimeout)
		defer cancel()
		if err := s.remote.Delete(ctx, remoteID); err != nil {
			s.logger.Debug("remote delete failed", zap.String("remote_id", remoteID), zap.Error(err))
		}
	}()
}
