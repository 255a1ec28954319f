package upload

import (
	"bytes"
	"fmt"
	"strings"
)

// Format is an accepted image encoding.
type Format struct {
	Name  string
	MIME  string
	Magic func(data []byte) bool
}

var (
	JPEG = Format{
		Name: "JPEG",
		MIME: "image/jpeg",
		Magic: func(b []byte) bool {
			return bytes.HasPrefix(b, []byte{0xFF, 0xD8, 0xFF})
		},
	}
	PNG = Format{
		Name: "PNG",
		MIME: "image/png",
		Magic: func(b []byte) bool {
			return bytes.HasPrefix(b, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
		},
	}
	WebP = Format{
		Name: "WebP",
		MIME: "image/webp",
		Magic: func(b []byte) bool {
			return len(b) >= 12 && bytes.Equal(b[0:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WEBP"))
		},
	}
)

var builtin = []Format{JPEG, PNG, WebP}

// Formats holds the accepted formats in registration order.
type Formats struct {
	formats []Format
}

// NewFormats creates an empty format registry.
func NewFormats() *Formats {
	return &Formats{}
}

// DefaultFormats accepts JPEG, PNG and WebP.
func DefaultFormats() *Formats {
	f := NewFormats()
	for _, b := range builtin {
		f.Register(b)
	}
	return f
}

// FormatsFor builds a registry from MIME types. Unknown types are an error.
func FormatsFor(mimes []string) (*Formats, error) {
	f := NewFormats()
	for _, m := range mimes {
		found := false
		for _, b := range builtin {
			if strings.EqualFold(b.MIME, m) {
				f.Register(b)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unsupported image type %q", m)
		}
	}
	return f, nil
}

// Register adds a format.
func (f *Formats) Register(format Format) {
	f.formats = append(f.formats, format)
}

// MatchMIME returns the format declared by contentType, if accepted.
func (f *Formats) MatchMIME(contentType string) (Format, bool) {
	mt := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	for _, format := range f.formats {
		if format.MIME == mt {
			return format, true
		}
	}
	return Format{}, false
}

// Sniff returns the first format whose signature matches data.
func (f *Formats) Sniff(data []byte) (Format, bool) {
	for _, format := range f.formats {
		if format.Magic(data) {
			return format, true
		}
	}
	return Format{}, false
}

// Names lists the accepted format names.
func (f *Formats) Names() []string {
	names := make([]string, len(f.formats))
	for i, format := range f.formats {
		names[i] = format.Name
	}
	return names
}
