package localref

import (
	"strings"
	"testing"
)

func TestStore_CreateOpen(t *testing.T) {
	s := New()

	ref := s.Create("cat.png", "image/png", []byte("png-bytes"))
	if !strings.HasPrefix(ref, Prefix) {
		t.Errorf("ref = %q, want prefix %q", ref, Prefix)
	}

	e, ok := s.Open(ref)
	if !ok {
		t.Fatal("Open() ok = false, want true")
	}
	if e.Name != "cat.png" || e.ContentType != "image/png" || string(e.Data) != "png-bytes" {
		t.Errorf("Open() = %+v", e)
	}

	// Bare keys resolve too.
	if _, ok := s.Open(strings.TrimPrefix(ref, Prefix)); !ok {
		t.Error("Open() by key ok = false, want true")
	}
}

func TestStore_UniqueRefs(t *testing.T) {
	s := New()
	a := s.Create("a.png", "image/png", nil)
	b := s.Create("a.png", "image/png", nil)
	if a == b {
		t.Errorf("refs are equal: %q", a)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}

func TestStore_ReleaseOnce(t *testing.T) {
	s := New()
	ref := s.Create("a.png", "image/png", []byte("x"))

	if !s.Release(ref) {
		t.Error("first Release() = false, want true")
	}
	if s.Release(ref) {
		t.Error("second Release() = true, want false")
	}
	if _, ok := s.Open(ref); ok {
		t.Error("Open() after release ok = true, want false")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestStore_ReleaseUnknown(t *testing.T) {
	s := New()
	if s.Release(Prefix + "missing") {
		t.Error("Release() of unknown ref = true, want false")
	}
}
