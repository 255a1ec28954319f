package export

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/cwygoda/enhancer/internal/domain"
	"go.uber.org/zap/zaptest"
)

type fakeSource struct {
	results map[string][]byte
	fetched []string
}

func (f *fakeSource) FetchResult(ctx context.Context, remoteID string, w io.Writer) (int64, error) {
	f.fetched = append(f.fetched, remoteID)
	data, ok := f.results[remoteID]
	if !ok {
		return 0, errors.New("remote: status 404")
	}
	n, err := w.Write(data)
	return int64(n), err
}

func completed(name, remoteID string) domain.Job {
	return domain.Job{
		ID:        "job-" + remoteID,
		RemoteID:  remoteID,
		Status:    domain.StatusCompleted,
		Original:  domain.File{Name: name},
		ResultRef: "http://remote/api/result/" + remoteID,
	}
}

func TestEnhancedName(t *testing.T) {
	tests := []struct {
		name   string
		factor string
		want   string
	}{
		{"cat.png", "4x", "cat-enhanced-4x.png"},
		{"holiday.photo.jpeg", "2x", "holiday.photo-enhanced-2x.jpeg"},
		{"noext", "4x", "noext-enhanced-4x.jpg"},
		{"trailing.", "8x", "trailing-enhanced-8x.jpg"},
		{"dir/sub/cat.webp", "4x", "cat-enhanced-4x.webp"},
		{`C:\Users\me\cat.png`, "4x", "cat-enhanced-4x.png"},
		{"", "4x", "image-enhanced-4x.jpg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EnhancedName(tt.name, tt.factor); got != tt.want {
				t.Errorf("EnhancedName(%q, %q) = %q, want %q", tt.name, tt.factor, got, tt.want)
			}
		})
	}
}

func TestResults_Zip(t *testing.T) {
	source := &fakeSource{results: map[string][]byte{
		"a": []byte("enhanced-a"),
		"b": []byte("enhanced-b"),
		"d": []byte("enhanced-d"),
	}}
	jobs := []domain.Job{
		completed("cat.png", "a"),
		completed("cat.png", "b"),
		{ID: "job-c", RemoteID: "c", Status: domain.StatusProcessing, Original: domain.File{Name: "dog.png"}},
		{ID: "job-f", Status: domain.StatusFailed, Original: domain.File{Name: "huge.png"}},
		completed("gone.jpg", "missing"),
		completed("bird.webp", "d"),
	}

	r := NewResults(source, "4x", zaptest.NewLogger(t))
	data, n, err := r.Zip(context.Background(), jobs)
	if err != nil {
		t.Fatalf("Zip() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Zip() entries = %d, want 3", n)
	}
	if len(source.fetched) != 4 {
		t.Errorf("fetched = %v, want only completed jobs", source.fetched)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("zip.NewReader() error = %v", err)
	}
	want := map[string]string{
		"cat-enhanced-4x.png":     "enhanced-a",
		"cat-enhanced-4x (2).png": "enhanced-b",
		"bird-enhanced-4x.webp":   "enhanced-d",
	}
	if len(zr.File) != len(want) {
		t.Fatalf("entries = %d, want %d", len(zr.File), len(want))
	}
	for _, f := range zr.File {
		content, ok := want[f.Name]
		if !ok {
			t.Errorf("unexpected entry %q", f.Name)
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("Open(%s) error = %v", f.Name, err)
		}
		got, _ := io.ReadAll(rc)
		rc.Close()
		if string(got) != content {
			t.Errorf("%s = %q, want %q", f.Name, got, content)
		}
	}
}

func TestResults_ZipNothingCompleted(t *testing.T) {
	r := NewResults(&fakeSource{}, "", nil)

	tests := []struct {
		name string
		jobs []domain.Job
	}{
		{"empty", nil},
		{"none completed", []domain.Job{{ID: "a", Status: domain.StatusQueued}}},
		{"all fetches fail", []domain.Job{completed("cat.png", "a")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := r.Zip(context.Background(), tt.jobs); !errors.Is(err, ErrNoResults) {
				t.Errorf("Zip() error = %v, want %v", err, ErrNoResults)
			}
		})
	}
}

func TestResults_ZipCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewResults(&fakeSource{}, "4x", nil)
	if _, _, err := r.Zip(ctx, []domain.Job{completed("cat.png", "a")}); !errors.Is(err, context.Canceled) {
		t.Errorf("Zip() error = %v, want %v", err, context.Canceled)
	}
}
