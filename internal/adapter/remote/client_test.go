package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cwygoda/enhancer/internal/domain"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	c, err := New(srv.URL, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, srv
}

func TestNew_InvalidBaseURL(t *testing.T) {
	for _, u := range []string{"", "not a url", "/relative"} {
		if _, err := New(u); err == nil {
			t.Errorf("New(%q) error = nil, want error", u)
		}
	}
}

func TestClient_Upload(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/upload" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile() error = %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		if hdr.Filename != "cat.png" || string(data) != "png-bytes" {
			t.Errorf("part = %q %q", hdr.Filename, data)
		}
		if ct := hdr.Header.Get("Content-Type"); ct != "image/png" {
			t.Errorf("part Content-Type = %q, want image/png", ct)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"job_id":"abc","task_id":"t1","status":"queued","message":"Image uploaded","original_filename":"cat.png","file_size":9}`)
	})

	res, err := c.Upload(context.Background(), domain.File{Name: "cat.png", ContentType: "image/png", Data: []byte("png-bytes")})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if res.JobID != "abc" || res.TaskID != "t1" || res.FileSize != 9 {
		t.Errorf("Upload() = %+v", res)
	}
}

func TestClient_UploadSchemaViolation(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"queued"}`)
	})

	_, err := c.Upload(context.Background(), domain.File{Name: "a.png", Data: []byte("x")})
	if !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("Upload() error = %v, want %v", err, ErrInvalidResponse)
	}
}

func TestClient_UploadAPIError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"File too large"}`, http.StatusRequestEntityTooLarge)
	})

	_, err := c.Upload(context.Background(), domain.File{Name: "a.png", Data: []byte("x")})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Upload() error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("StatusCode = %d", apiErr.StatusCode)
	}
	if apiErr.Body != `{"detail":"File too large"}` {
		t.Errorf("Body = %q", apiErr.Body)
	}
}

func TestClient_Status(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus domain.JobStatus
		wantErr    error
		check      func(t *testing.T, s *domain.RemoteStatus)
	}{
		{
			name:       "processing with progress",
			body:       `{"job_id":"abc","status":"processing","progress":40,"stage":"upscaling"}`,
			wantStatus: domain.StatusProcessing,
			check: func(t *testing.T, s *domain.RemoteStatus) {
				if s.Progress == nil || *s.Progress != 40 || s.Stage != "upscaling" {
					t.Errorf("hints = %v %q", s.Progress, s.Stage)
				}
			},
		},
		{
			name:       "completed",
			body:       `{"job_id":"abc","status":"completed","result_url":"/api/result/abc","completed_at":"2024-05-01T10:00:00.123456"}`,
			wantStatus: domain.StatusCompleted,
			check: func(t *testing.T, s *domain.RemoteStatus) {
				if s.CompletedAt == nil || s.CompletedAt.Year() != 2024 {
					t.Errorf("CompletedAt = %v", s.CompletedAt)
				}
			},
		},
		{
			name:       "failed with nulls",
			body:       `{"job_id":"abc","status":"failed","error":"boom","message":null,"progress":null}`,
			wantStatus: domain.StatusFailed,
			check: func(t *testing.T, s *domain.RemoteStatus) {
				if s.Error != "boom" || s.Progress != nil {
					t.Errorf("status = %+v", s)
				}
			},
		},
		{
			name:    "unknown status",
			body:    `{"job_id":"abc","status":"paused"}`,
			wantErr: domain.ErrUnknownStatus,
		},
		{
			name:    "progress out of range",
			body:    `{"job_id":"abc","status":"processing","progress":140}`,
			wantErr: ErrInvalidResponse,
		},
		{
			name:    "not json",
			body:    `<html>`,
			wantErr: ErrInvalidResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/status/abc" {
					t.Errorf("path = %q", r.URL.Path)
				}
				io.WriteString(w, tt.body)
			})

			s, err := c.Status(context.Background(), "abc")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Status() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Status() error = %v", err)
			}
			if s.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", s.Status, tt.wantStatus)
			}
			if tt.check != nil {
				tt.check(t, s)
			}
		})
	}
}

func TestClient_StatusNetworkError(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	if _, err := c.Status(context.Background(), "xyz"); err == nil {
		t.Error("Status() error = nil, want error")
	}
}

func TestClient_ResultURL(t *testing.T) {
	c, err := New("http://enhancer.local:8000/")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got, want := c.ResultURL("abc"), "http://enhancer.local:8000/api/result/abc"; got != want {
		t.Errorf("ResultURL() = %q, want %q", got, want)
	}
}

func TestClient_FetchResult(t *testing.T) {
	image := bytes.Repeat([]byte{0x89, 'P', 'N', 'G'}, 4096)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/result/abc":
			w.Header().Set("Content-Type", "image/png")
			w.Write(image)
		default:
			http.Error(w, `{"detail":"Result not found"}`, http.StatusNotFound)
		}
	})

	var buf bytes.Buffer
	n, err := c.FetchResult(context.Background(), "abc", &buf)
	if err != nil {
		t.Fatalf("FetchResult() error = %v", err)
	}
	if n != int64(len(image)) || !bytes.Equal(buf.Bytes(), image) {
		t.Errorf("FetchResult() wrote %d bytes, want %d", n, len(image))
	}

	buf.Reset()
	_, err = c.FetchResult(context.Background(), "missing", &buf)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("FetchResult(missing) error = %v, want 404 APIError", err)
	}
	if buf.Len() != 0 {
		t.Errorf("error body written to result: %q", buf.String())
	}
}

func TestClient_Delete(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		wantErr bool
	}{
		{"ok", http.StatusOK, false},
		{"already gone", http.StatusNotFound, false},
		{"server error", http.StatusInternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodDelete || r.URL.Path != "/api/job/abc" {
					t.Errorf("request = %s %s", r.Method, r.URL.Path)
				}
				w.WriteHeader(tt.code)
			})

			err := c.Delete(context.Background(), "abc")
			if (err != nil) != tt.wantErr {
				t.Errorf("Delete() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClient_StatsAndHealth(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/stats":
			io.WriteString(w, `{"uploads":3,"results":2,"max_file_size_mb":50,"allowed_extensions":[".jpg",".png",".webp"]}`)
		case "/health":
			io.WriteString(w, `{"status":"healthy"}`)
		default:
			http.NotFound(w, r)
		}
	})

	s, err := c.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if s.Uploads != 3 || s.Results != 2 || s.MaxFileSizeMB != 50 || len(s.AllowedExtensions) != 3 {
		t.Errorf("Stats() = %+v", s)
	}
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}

func TestClient_Timeout(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, WithTimeout(20*time.Millisecond))

	if err := c.Health(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Health() error = %v, want deadline exceeded", err)
	}
}

func TestClient_RateLimitHonoursContext(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"healthy"}`)
	}, WithRateLimit(0.001, 1))

	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("first Health() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Health(ctx); err == nil {
		t.Error("second Health() error = nil, want rate limit error")
	}
}
