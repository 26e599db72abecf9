package snapshot

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/exposnap/internal/apperr"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 32)...)

func newTestStore(t *testing.T, limit int) (*Store, *time.Time) {
	t.Helper()
	s, err := NewStore(t.TempDir(), limit)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	return s, &now
}

func TestSaveAndGet(t *testing.T) {
	s, _ := newTestStore(t, 10)
	meta, err := s.Save(pngBytes, SaveOptions{Description: "  login  ", RequestID: "req_1", Source: "expo"})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if meta.Format != "png" || meta.Description != "login" || meta.SizeBytes != len(pngBytes) {
		t.Fatalf("Save() = %+v; want trimmed png meta", meta)
	}

	got, err := s.Get(meta.ID)
	if err != nil || got.RequestID != "req_1" {
		t.Fatalf("Get() = %+v, %v; want saved meta", got, err)
	}
	data, format, err := s.ReadImage(meta.ID)
	if err != nil || format != "png" || !bytes.Equal(data, pngBytes) {
		t.Fatalf("ReadImage() = %d bytes, %q, %v; want original png", len(data), format, err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), meta.ID+".json")); err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
	if !filepath.IsAbs(s.Path(meta)) {
		t.Fatalf("Path() = %q; want absolute", s.Path(meta))
	}
}

func TestSaveRejectsNonImage(t *testing.T) {
	s, _ := newTestStore(t, 10)
	if _, err := s.Save([]byte("hello"), SaveOptions{}); !apperr.Is(err, apperr.CodeInvalid) {
		t.Fatalf("Save(text) error = %v; want INVALID", err)
	}
}

func TestRetentionLimit(t *testing.T) {
	s, _ := newTestStore(t, 2)
	first, _ := s.Save(pngBytes, SaveOptions{})
	s.Save(pngBytes, SaveOptions{})
	third, _ := s.Save(pngBytes, SaveOptions{})

	list := s.List(0)
	if len(list) != 2 || list[0].ID != third.ID {
		t.Fatalf("List() = %v; want 2 newest first", list)
	}
	if _, err := s.Get(first.ID); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("Get(evicted) error = %v; want NOT_FOUND", err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), first.Filename)); !os.IsNotExist(err) {
		t.Fatalf("evicted image still on disk: %v", err)
	}
	if latest, _ := s.Latest(); latest.ID != third.ID {
		t.Fatalf("Latest() = %s; want %s", latest.ID, third.ID)
	}
	if got := s.List(1); len(got) != 1 {
		t.Fatalf("List(1) = %d entries; want 1", len(got))
	}
}

func TestLoadIndexesExistingFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 10)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	saved, _ := s.Save(pngBytes, SaveOptions{Description: "kept"})

	loose := filepath.Join(dir, "screenshot_legacy.png")
	if err := os.WriteFile(loose, pngBytes, 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(loose, old, old); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)

	reopened, err := NewStore(dir, 10)
	if err != nil {
		t.Fatalf("NewStore() reopen error = %v", err)
	}
	list := reopened.List(0)
	if len(list) != 2 {
		t.Fatalf("List() after reopen = %v; want 2 entries", list)
	}
	if list[0].ID != saved.ID || list[0].Description != "kept" {
		t.Fatalf("List()[0] = %+v; want sidecar meta first", list[0])
	}
	if list[1].ID != "screenshot_legacy" || list[1].Format != "png" {
		t.Fatalf("List()[1] = %+v; want mtime-indexed legacy file", list[1])
	}
}

func TestLoadAppliesLimit(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 4; i++ {
		name := filepath.Join(dir, "shot_"+string(rune('a'+i))+".png")
		os.WriteFile(name, pngBytes, 0o644)
		ts := time.Now().Add(time.Duration(i) * time.Minute)
		os.Chtimes(name, ts, ts)
	}
	s, err := NewStore(dir, 2)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	list := s.List(0)
	if len(list) != 2 || list[0].ID != "shot_d" || list[1].ID != "shot_c" {
		t.Fatalf("List() = %v; want shot_d, shot_c", list)
	}
	if _, err := os.Stat(filepath.Join(dir, "shot_a.png")); !os.IsNotExist(err) {
		t.Fatalf("oldest file still on disk: %v", err)
	}
}

func TestGetRejectsTraversal(t *testing.T) {
	s, _ := newTestStore(t, 10)
	if _, err := s.Get("../etc/passwd"); !apperr.Is(err, apperr.CodeInvalid) {
		t.Fatalf("Get(traversal) error = %v; want INVALID", err)
	}
}

func TestDeleteLogsImageCleanupFailureWhenImageMissing(t *testing.T) {
	s, _ := newTestStore(t, 10)
	meta, err := s.Save(pngBytes, SaveOptions{})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := os.Remove(filepath.Join(s.Dir(), meta.Filename)); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	oldLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() {
		slog.SetDefault(oldLogger)
	})

	if err := s.Delete(meta.ID); err != nil {
		t.Fatalf("Delete() = %v; want nil", err)
	}
	if !strings.Contains(buf.String(), "snapshot image cleanup failed") {
		t.Fatalf("expected image cleanup debug log, got %q", buf.String())
	}
	if _, err := s.Get(meta.ID); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("Get() after Delete error = %v; want NOT_FOUND", err)
	}
}
