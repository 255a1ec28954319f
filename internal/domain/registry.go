package domain

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrDuplicateRemoteID = errors.New("remote job id already registered")
	ErrMissingResult     = errors.New("completed job requires a result reference")
	ErrAlreadyAssociated = errors.New("job already has a remote id")
	ErrNotRetryable      = errors.New("job is not in a retryable state")
	ErrNotCompleted      = errors.New("job has no result to discard")
)

// Registry is the in-memory set of jobs for the session. It owns the
// local reference of every job it holds and releases it on removal.
type Registry struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	remote    map[string]string
	refs      RefStore
	listeners []Listener
	now       func() time.Time
	seq       uint64
}

// NewRegistry creates an empty registry backed by refs.
func NewRegistry(refs RefStore) *Registry {
	return &Registry{
		jobs:   make(map[string]*Job),
		remote: make(map[string]string),
		refs:   refs,
		now:    time.Now,
	}
}

// AddListener registers l for change notifications.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Add inserts a queued job for file and allocates its local reference.
func (r *Registry) Add(file File) Job {
	return r.insert(file, StatusQueued, "")
}

// AddRejected inserts a job that is failed from the start, for a file that
// never left the client. The original is still held so it can be shown.
func (r *Registry) AddRejected(file File, msg string) Job {
	return r.insert(file, StatusFailed, msg)
}

func (r *Registry) insert(file File, status JobStatus, msg string) Job {
	ref := r.refs.Create(file.Name, file.ContentType, file.Data)
	now := r.now()

	job := &Job{
		ID:          uuid.NewString(),
		Status:      status,
		Original:    file,
		OriginalRef: ref,
		Error:       msg,
		UploadedAt:  now,
		UpdatedAt:   now,
	}

	r.mu.Lock()
	r.seq++
	job.seq = r.seq
	r.jobs[job.ID] = job
	snapshot := *job
	listeners := r.listeners
	r.mu.Unlock()

	for _, l := range listeners {
		l.JobChanged(snapshot)
	}
	return snapshot
}

// Associate records the server-assigned id of a job.
func (r *Registry) Associate(id, remoteID string) (Job, error) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return Job{}, ErrJobNotFound
	}
	if job.RemoteID != "" {
		r.mu.Unlock()
		return Job{}, ErrAlreadyAssociated
	}
	if _, taken := r.remote[remoteID]; taken {
		r.mu.Unlock()
		return Job{}, ErrDuplicateRemoteID
	}
	job.RemoteID = remoteID
	job.UpdatedAt = r.now()
	r.remote[remoteID] = id
	snapshot := *job
	listeners := r.listeners
	r.mu.Unlock()

	for _, l := range listeners {
		l.JobChanged(snapshot)
	}
	return snapshot, nil
}

// Update merges p into the job. Returns ErrJobNotFound if the job is gone.
func (r *Registry) Update(id string, p Patch) (Job, error) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return Job{}, ErrJobNotFound
	}
	updated, err := p.apply(*job)
	if err != nil {
		r.mu.Unlock()
		return Job{}, err
	}
	updated.UpdatedAt = r.now()
	*job = updated
	listeners := r.listeners
	r.mu.Unlock()

	for _, l := range listeners {
		l.JobChanged(updated)
	}
	return updated, nil
}

// Reset puts a retryable job back to queued so it can be uploaded again.
// The remote id is dropped because a new upload yields a new one.
func (r *Registry) Reset(id string) (Job, error) {
	return r.reset(id, false)
}

// Revert discards the result of a completed job and holds the original for
// another attempt. The returned job reports CanRetry.
func (r *Registry) Revert(id string) (Job, error) {
	return r.reset(id, true)
}

func (r *Registry) reset(id string, revert bool) (Job, error) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return Job{}, ErrJobNotFound
	}
	switch {
	case revert && job.Status != StatusCompleted:
		r.mu.Unlock()
		return Job{}, ErrNotCompleted
	case !revert && !job.CanRetry():
		r.mu.Unlock()
		return Job{}, ErrNotRetryable
	}
	if job.RemoteID != "" {
		delete(r.remote, job.RemoteID)
	}
	job.RemoteID = ""
	job.Status = StatusQueued
	job.ResultRef = ""
	job.Progress = nil
	job.Stage = ""
	job.Error = ""
	job.PollFailures = 0
	job.Restored = revert
	job.UpdatedAt = r.now()
	snapshot := *job
	listeners := r.listeners
	r.mu.Unlock()

	for _, l := range listeners {
		l.JobChanged(snapshot)
	}
	return snapshot, nil
}

// Remove deletes the job and releases its local reference.
// Removing an unknown job is a no-op and reports false.
func (r *Registry) Remove(id string) (Job, bool) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return Job{}, false
	}
	delete(r.jobs, id)
	if job.RemoteID != "" {
		delete(r.remote, job.RemoteID)
	}
	r.refs.Release(job.OriginalRef)
	snapshot := *job
	listeners := r.listeners
	r.mu.Unlock()

	for _, l := range listeners {
		l.JobRemoved(snapshot)
	}
	return snapshot, true
}

// Clear empties the registry in one step and releases every local reference.
// It returns the jobs that were held.
func (r *Registry) Clear() []Job {
	r.mu.Lock()
	removed := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		r.refs.Release(job.OriginalRef)
		removed = append(removed, *job)
	}
	r.jobs = make(map[string]*Job)
	r.remote = make(map[string]string)
	listeners := r.listeners
	r.mu.Unlock()

	sortJobs(removed)
	for _, job := range removed {
		for _, l := range listeners {
			l.JobRemoved(job)
		}
	}
	return removed
}

// Get returns a copy of the job with the given id.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}

// FindRemote returns the job associated with a server job id.
func (r *Registry) FindRemote(remoteID string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.remote[remoteID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *r.jobs[id], nil
}

// List returns all jobs in the order they were added.
func (r *Registry) List() []Job {
	r.mu.Lock()
	jobs := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, *job)
	}
	r.mu.Unlock()

	sortJobs(jobs)
	return jobs
}

// Len returns the number of jobs held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func sortJobs(jobs []Job) {
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].seq < jobs[k].seq
	})
}
