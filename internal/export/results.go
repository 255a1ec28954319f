package export

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/cwygoda/enhancer/internal/domain"
	"go.uber.org/zap"
)

const DefaultFactor = "4x"

// ErrNoResults is returned when no completed job could be bundled.
var ErrNoResults = errors.New("no completed results")

// ResultSource downloads enhanced images from the remote service.
type ResultSource interface {
	FetchResult(ctx context.Context, remoteID string, w io.Writer) (int64, error)
}

// Results bundles enhanced images into zip archives.
type Results struct {
	source ResultSource
	factor string
	logger *zap.Logger
}

// NewResults creates a bundler naming entries with the upscale factor.
func NewResults(source ResultSource, factor string, logger *zap.Logger) *Results {
	if factor == "" {
		factor = DefaultFactor
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Results{source: source, factor: factor, logger: logger}
}

// Zip downloads the result of every completed job in jobs and returns them
// as a zip archive with the number of entries. Results that cannot be fetched
// are skipped.
func (r *Results) Zip(ctx context.Context, jobs []domain.Job) ([]byte, int, error) {
	start := time.Now()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := make(map[string]bool)
	added := 0

	for _, job := range jobs {
		if job.Status != domain.StatusCompleted || job.RemoteID == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		var img bytes.Buffer
		if _, err := r.source.FetchResult(ctx, job.RemoteID, &img); err != nil {
			r.logger.Warn("skipping result",
				zap.String("job_id", job.ID),
				zap.String("remote_id", job.RemoteID),
				zap.Error(err),
			)
			continue
		}

		name := uniqueName(names, EnhancedName(job.Original.Name, r.factor))
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Store,
			Modified: job.UpdatedAt,
		})
		if err != nil {
			return nil, 0, fmt.Errorf("zip entry %s: %w", name, err)
		}
		if _, err := img.WriteTo(w); err != nil {
			return nil, 0, fmt.Errorf("zip write %s: %w", name, err)
		}
		added++
	}

	if err := zw.Close(); err != nil {
		return nil, 0, fmt.Errorf("zip close: %w", err)
	}
	if added == 0 {
		return nil, 0, ErrNoResults
	}

	r.logger.Info("results exported",
		zap.Int("files", added),
		zap.Int("bytes", buf.Len()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return buf.Bytes(), added, nil
}

// EnhancedName derives the download name of an enhanced image,
// e.g. "cat.png" becomes "cat-enhanced-4x.png".
func EnhancedName(name, factor string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if ext == "" || ext == "." {
		ext = ".jpg"
	}
	if base == "" || base == "." || base == "/" {
		base = "image"
	}
	return fmt.Sprintf("%s-enhanced-%s%s", base, factor, ext)
}

func uniqueName(seen map[string]bool, name string) string {
	candidate := name
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 2; seen[candidate]; i++ {
		candidate = fmt.Sprintf("%s (%d)%s", base, i, ext)
	}
	seen[candidate] = true
	return candidate
}
