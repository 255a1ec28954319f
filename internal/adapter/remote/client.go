package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/cwygoda/enhancer/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout = 60 * time.Second
	maxBodySize    = 1 << 20
	maxResultSize  = 512 << 20
)

// ErrInvalidResponse is returned when a response body fails decoding or schema validation.
var ErrInvalidResponse = errors.New("invalid response")

// APIError is a non-2xx answer from the enhancement service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote: status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote: status %d: %s", e.StatusCode, e.Body)
}

// Stats is the storage summary reported by the service.
type Stats struct {
	Uploads           int      `json:"uploads"`
	Results           int      `json:"results"`
	MaxFileSizeMB     float64  `json:"max_file_size_mb"`
	AllowedExtensions []string `json:"allowed_extensions"`
}

type uploadResponse struct {
	JobID            string `json:"job_id"`
	TaskID           string `json:"task_id"`
	Status           string `json:"status"`
	Message          string `json:"message"`
	OriginalFilename string `json:"original_filename"`
	FileSize         int64  `json:"file_size"`
}

type statusResponse struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	ResultURL   string `json:"result_url"`
	CompletedAt string `json:"completed_at"`
	Message     string `json:"message"`
	Error       string `json:"error"`
	Progress    *int   `json:"progress"`
	Stage       string `json:"stage"`
}

// Client talks to the enhancement REST API. It implements domain.EnhanceService.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger
	schemas *schemas
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRateLimit throttles outgoing requests. A non-positive rps disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client for the service rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	s, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: DefaultTimeout,
		limiter: rate.NewLimiter(rate.Inf, 0),
		logger:  zap.NewNop(),
		schemas: s,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Upload sends file as multipart field "file".
func (c *Client) Upload(ctx context.Context, file domain.File) (*domain.UploadResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(file.Name)))
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)

	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create part: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, fmt.Errorf("write part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var resp uploadResponse
	if err := decode(c.schemas.upload, body, &resp); err != nil {
		return nil, err
	}

	c.logger.Debug("uploaded",
		zap.String("file", file.Name),
		zap.String("remote_id", resp.JobID),
	)

	return &domain.UploadResult{
		JobID:            resp.JobID,
		TaskID:           resp.TaskID,
		Status:           resp.Status,
		Message:          resp.Message,
		OriginalFilename: resp.OriginalFilename,
		FileSize:         resp.FileSize,
	}, nil
}

// Status queries the state of a remote job.
func (c *Client) Status(ctx context.Context, remoteID string) (*domain.RemoteStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/status/"+url.PathEscape(remoteID), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var resp statusResponse
	if err := decode(c.schemas.status, body, &resp); err != nil {
		return nil, err
	}
	status, err := domain.ParseStatus(resp.Status)
	if err != nil {
		return nil, err
	}

	return &domain.RemoteStatus{
		JobID:       resp.JobID,
		Status:      status,
		ResultURL:   resp.ResultURL,
		CompletedAt: parseTime(resp.CompletedAt),
		Message:     resp.Message,
		Error:       resp.Error,
		Progress:    resp.Progress,
		Stage:       resp.Stage,
	}, nil
}

// ResultURL returns the download location of an enhanced image. It does no I/O.
func (c *Client) ResultURL(remoteID string) string {
	return c.baseURL + "/api/result/" + url.PathEscape(remoteID)
}

// FetchResult downloads the enhanced image of a completed job into w and
// returns the number of bytes written.
func (c *Client) FetchResult(ctx context.Context, remoteID string, w io.Writer) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ResultURL(remoteID), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.send(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, io.LimitReader(resp.Body, maxResultSize+1))
	if err != nil {
		return n, fmt.Errorf("read result: %w", err)
	}
	if n > maxResultSize {
		return n, fmt.Errorf("result %s exceeds %d bytes", remoteID, maxResultSize)
	}
	c.logger.Debug("result fetched", zap.String("remote_id", remoteID), zap.Int64("bytes", n))
	return n, nil
}

// Delete removes a remote job. A job the service no longer knows is not an error.
func (c *Client) Delete(ctx context.Context, remoteID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/job/"+url.PathEscape(remoteID), nil)
	if err != nil {
		return err
	}
	_, err = c.do(req)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// Stats fetches the storage summary.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/stats", nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var s Stats
	if err := decode(c.schemas.stats, body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Health reports whether the service answers its health check.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	_, err = c.do(req)
	return err
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// send issues req and returns the response of a 2xx answer. The caller closes the body.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
