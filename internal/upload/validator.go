package upload

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cwygoda/enhancer/internal/domain"
)

// DefaultMaxSize is the largest accepted upload.
const DefaultMaxSize int64 = 50 << 20

var (
	ErrFileTooLarge    = errors.New("file too large")
	ErrInvalidFileType = errors.New("invalid file type")
	ErrEmptyFile       = errors.New("empty file")
)

// ValidationError carries a user-facing message for a rejected file.
type ValidationError struct {
	Err     error
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Validator rejects files before any network call.
// It implements domain.FileValidator.
type Validator struct {
	maxSize int64
	formats *Formats
}

// NewValidator creates a validator. A non-positive maxSize uses DefaultMaxSize.
func NewValidator(maxSize int64, formats *Formats) *Validator {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if formats == nil {
		formats = DefaultFormats()
	}
	return &Validator{maxSize: maxSize, formats: formats}
}

// MaxSize returns the configured size limit in bytes.
func (v *Validator) MaxSize() int64 {
	return v.maxSize
}

// Validate checks size and type of file.
func (v *Validator) Validate(file domain.File) error {
	if file.Size() > v.maxSize {
		return &ValidationError{
			Err:     ErrFileTooLarge,
			Message: fmt.Sprintf("File too large. Maximum size is %s.", formatSize(v.maxSize)),
		}
	}
	if file.Size() == 0 {
		return &ValidationError{Err: ErrEmptyFile, Message: "Empty file"}
	}

	declared := strings.TrimSpace(file.ContentType)
	if declared != "" && declared != "application/octet-stream" {
		if _, ok := v.formats.MatchMIME(declared); !ok {
			return v.invalidType()
		}
	}
	if _, ok := v.formats.Sniff(file.Data); !ok {
		return v.invalidType()
	}
	return nil
}

func (v *Validator) invalidType() error {
	return &ValidationError{
		Err:     ErrInvalidFileType,
		Message: "Invalid file type. Supported: " + strings.Join(v.formats.Names(), ", "),
	}
}

func formatSize(n int64) string {
	const mb = 1 << 20
	if n%mb == 0 {
		return fmt.Sprintf("%dMB", n/mb)
	}
	return fmt.Sprintf("%.1fMB", float64(n)/mb)
}
