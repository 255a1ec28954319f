package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cwygoda/enhancer/internal/adapter/localref"
	"github.com/cwygoda/enhancer/internal/domain"
	"github.com/cwygoda/enhancer/internal/export"
	"go.uber.org/zap"
)

const (
	defaultMaxRequestSize = 512 << 20
	multipartMemory       = 32 << 20
	defaultHistoryLimit   = 100
	healthTimeout         = 2 * time.Second
	xlsxContentType       = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// HealthChecker probes the remote enhancement service.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Exporter renders recorded history as a workbook.
type Exporter interface {
	HistoryXLSX(ctx context.Context) ([]byte, error)
}

// ResultsExporter bundles enhanced images of completed jobs.
type ResultsExporter interface {
	Zip(ctx context.Context, jobs []domain.Job) ([]byte, int, error)
}

// Server is the HTTP adapter for the local enhancement API.
type Server struct {
	svc            *domain.JobService
	refs           *localref.Store
	history        domain.HistoryStore
	exporter       Exporter
	results        ResultsExporter
	health         HealthChecker
	logger         *zap.Logger
	maxRequestSize int64
	mux            *http.ServeMux
	server         *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithOriginals serves local originals from refs.
func WithOriginals(refs *localref.Store) Option {
	return func(s *Server) { s.refs = refs }
}

// WithHistory enables GET /history.
func WithHistory(h domain.HistoryStore) Option {
	return func(s *Server) { s.history = h }
}

// WithExporter enables GET /history.xlsx.
func WithExporter(e Exporter) Option {
	return func(s *Server) { s.exporter = e }
}

// WithResults enables GET /results.zip.
func WithResults(r ResultsExporter) Option {
	return func(s *Server) { s.results = r }
}

// WithHealthCheck reports remote reachability on GET /health.
func WithHealthCheck(h HealthChecker) Option {
	return func(s *Server) { s.health = h }
}

// WithMaxRequestSize bounds the body of POST /jobs.
func WithMaxRequestSize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxRequestSize = n
		}
	}
}

// NewServer creates a new HTTP server.
func NewServer(svc *domain.JobService, addr string, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:            svc,
		logger:         logger,
		maxRequestSize: defaultMaxRequestSize,
		mux:            http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           recovery(logger, logging(logger, s.mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /jobs", s.handleSubmit)
	s.mux.HandleFunc("GET /jobs", s.handleListJobs)
	s.mux.HandleFunc("DELETE /jobs", s.handleClearJobs)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("DELETE /jobs/{id}", s.handleRemoveJob)
	s.mux.HandleFunc("POST /jobs/{id}/retry", s.handleRetryJob)
	s.mux.HandleFunc("POST /jobs/{id}/undo", s.handleUndoJob)
	s.mux.HandleFunc("GET /results.zip", s.handleResultsZip)
	s.mux.HandleFunc("GET "+localref.Prefix+"{ref}", s.handleOriginal)
	s.mux.HandleFunc("GET /history", s.handleHistory)
	s.mux.HandleFunc("GET /history.xlsx", s.handleHistoryXLSX)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// jobResponse is the JSON response for job endpoints.
type jobResponse struct {
	ID           string `json:"id"`
	RemoteID     string `json:"remote_id,omitempty"`
	Filename     string `json:"filename"`
	ContentType  string `json:"content_type,omitempty"`
	Size         int64  `json:"size"`
	Status       string `json:"status"`
	Uploaded     bool   `json:"uploaded"`
	OriginalURL  string `json:"original_url,omitempty"`
	ResultURL    string `json:"result_url,omitempty"`
	Progress     *int   `json:"progress,omitempty"`
	Stage        string `json:"stage,omitempty"`
	Error        string `json:"error,omitempty"`
	PollFailures int    `json:"poll_failures,omitempty"`
	Restored     bool   `json:"restored,omitempty"`
	CanRetry     bool   `json:"can_retry"`
	UploadedAt   string `json:"uploaded_at"`
	UpdatedAt    string `json:"updated_at"`
}

type historyResponse struct {
	JobID      string `json:"job_id"`
	RemoteID   string `json:"remote_id,omitempty"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	ResultURL  string `json:"result_url,omitempty"`
	UploadedAt string `json:"uploaded_at"`
	FinishedAt string `json:"finished_at"`
}

type healthResponse struct {
	Status string `json:"status"`
	Remote bool   `json:"remote"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxRequestSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		s.writeError(w, http.StatusBadRequest, "file is required")
		return
	}

	files := make([]domain.File, 0, len(headers))
	for _, fh := range headers {
		f, err := readPart(fh)
		if err != nil {
			s.logger.Warn("read upload part", zap.String("filename", fh.Filename), zap.Error(err))
			s.writeError(w, http.StatusBadRequest, "failed to read file")
			return
		}
		files = append(files, f)
	}

	jobs := s.svc.SubmitBatch(r.Context(), files)
	s.writeJSON(w, http.StatusCreated, jobsToResponse(jobs))
}

func readPart(fh *multipart.FileHeader) (domain.File, error) {
	f, err := fh.Open()
	if err != nil {
		return domain.File{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return domain.File{}, err
	}
	return domain.File{
		Name:        fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, jobsToResponse(s.svc.List()))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	s.svc.Remove(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearJobs(w http.ResponseWriter, r *http.Request) {
	s.svc.ClearAll()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Retry(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, domain.ErrNotRetryable):
		s.writeError(w, http.StatusConflict, "job is not retryable")
		return
	case err != nil:
		s.logger.Error("retry job", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *Server) handleUndoJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Undo(r.PathValue("id"))
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, domain.ErrNotCompleted):
		s.writeError(w, http.StatusConflict, "job is not completed")
		return
	case err != nil:
		s.logger.Error("undo job", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *Server) handleResultsZip(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		s.writeError(w, http.StatusNotFound, "results export disabled")
		return
	}
	data, n, err := s.results.Zip(r.Context(), s.svc.List())
	switch {
	case errors.Is(err, export.ErrNoResults):
		s.writeError(w, http.StatusNotFound, "no completed results")
		return
	case err != nil:
		s.logger.Error("export results", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	name := fmt.Sprintf("enhanced-images-%d.zip", time.Now().UnixMilli())
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	w.Header().Set("X-Result-Count", strconv.Itoa(n))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleOriginal(w http.ResponseWriter, r *http.Request) {
	if s.refs == nil {
		http.NotFound(w, r)
		return
	}
	e, ok := s.refs.Open(r.PathValue("ref"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "original not found")
		return
	}
	if e.ContentType != "" {
		w.Header().Set("Content-Type", e.ContentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(e.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(e.Data)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history disabled")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("list history", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := make([]historyResponse, len(entries))
	for i, e := range entries {
		resp[i] = historyResponse{
			JobID:      e.JobID,
			RemoteID:   e.RemoteID,
			Filename:   e.Filename,
			Size:       e.Size,
			Status:     string(e.Status),
			Error:      e.Error,
			ResultURL:  e.ResultURL,
			UploadedAt: formatTime(e.UploadedAt),
			FinishedAt: formatTime(e.FinishedAt),
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistoryXLSX(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		s.writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	data, err := s.exporter.HistoryXLSX(r.Context())
	if err != nil {
		s.logger.Error("export history", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="enhancement-history.xlsx"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.health.Health(ctx); err != nil {
			s.logger.Debug("remote health check failed", zap.Error(err))
		} else {
			resp.Remote = true
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jobToResponse(job domain.Job) jobResponse {
	return jobResponse{
		ID:           job.ID,
		RemoteID:     job.RemoteID,
		Filename:     job.Original.Name,
		ContentType:  job.Original.ContentType,
		Size:         job.Original.Size(),
		Status:       string(job.Status),
		Uploaded:     job.Uploaded(),
		OriginalURL:  job.OriginalRef,
		ResultURL:    job.ResultRef,
		Progress:     job.Progress,
		Stage:        job.Stage,
		Error:        job.Error,
		PollFailures: job.PollFailures,
		Restored:     job.Restored,
		CanRetry:     job.CanRetry(),
		UploadedAt:   formatTime(job.UploadedAt),
		UpdatedAt:    formatTime(job.UpdatedAt),
	}
}

func jobsToResponse(jobs []domain.Job) []jobResponse {
	resp := make([]jobResponse, len(jobs))
	for i, job := range jobs {
		resp[i] = jobToResponse(job)
	}
	return resp
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Port extracts the port from the address.
func (s *Server) Port() int {
	addr := s.server.Addr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		port, _ := strconv.Atoi(addr[idx+1:])
		return port
	}
	return 0
}

// URL returns the base URL clients use to reach the server locally.
func (s *Server) URL() string {
	return fmt.Sprintf("http://localhost:%d", s.Port())
}
