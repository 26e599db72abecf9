package snapshot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/exposnap/internal/apperr"
	"github.com/google/uuid"
)

var idRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// DefaultLimit is the number of screenshots kept when no limit is given.
const DefaultLimit = 10

// Meta describes a stored screenshot.
type Meta struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	Format      string    `json:"format"`
	SizeBytes   int       `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	Source      string    `json:"source,omitempty"`
}

// SaveOptions carries the caller-supplied fields of a new screenshot.
type SaveOptions struct {
	Description string
	RequestID   string
	Source      string
}

// Store manages screenshot files on disk and keeps at most limit of them.
type Store struct {
	dir   string
	limit int
	now   func() time.Time

	mu    sync.RWMutex
	index []Meta // newest first
}

// NewStore creates a Store, ensures the directory exists, indexes the
// screenshots already present and applies the retention limit.
func NewStore(dir string, limit int) (*Store, error) {
	if limit < 1 {
		limit = DefaultLimit
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot store: mkdir %s: %w", dir, err)
	}
	s := &Store{dir: dir, limit: limit, now: time.Now}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.pruneLocked()
	s.mu.Unlock()
	return s, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }

func validateID(id string) error {
	if !idRe.MatchString(id) {
		return apperr.Invalid(fmt.Sprintf("invalid screenshot id: %q", id), nil)
	}
	return nil
}

// DetectFormat returns the file extension for image data, or "" when the
// data is not a supported image.
func DetectFormat(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	default:
		return ""
	}
}

// Save writes the image and its metadata sidecar, then evicts the oldest
// screenshots beyond the limit.
func (s *Store) Save(image []byte, opts SaveOptions) (Meta, error) {
	format := DetectFormat(image)
	if format == "" {
		return Meta{}, apperr.Invalid("upload is not a png, jpeg or webp image", nil)
	}

	meta := Meta{
		ID:          uuid.NewString(),
		Format:      format,
		SizeBytes:   len(image),
		CreatedAt:   s.now().UTC(),
		Description: strings.TrimSpace(opts.Description),
		RequestID:   opts.RequestID,
		Source:      opts.Source,
	}
	meta.Filename = meta.ID + "." + format

	s.mu.Lock()
	defer s.mu.Unlock()

	imgPath := filepath.Join(s.dir, meta.Filename)
	jsonPath := filepath.Join(s.dir, meta.ID+".json")

	if err := os.WriteFile(imgPath, image, 0o644); err != nil {
		return Meta{}, fmt.Errorf("snapshot store: write image: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		_ = os.Remove(imgPath)
		return Meta{}, fmt.Errorf("snapshot store: marshal meta: %w", err)
	}

	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		_ = os.Remove(imgPath)
		return Meta{}, fmt.Errorf("snapshot store: write meta: %w", err)
	}

	s.index = append([]Meta{meta}, s.index...)
	s.pruneLocked()
	return meta, nil
}

// Path returns the absolute image path of a stored screenshot.
func (s *Store) Path(meta Meta) string {
	p := filepath.Join(s.dir, meta.Filename)
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// Get returns screenshot metadata by ID.
func (s *Store) Get(id string) (Meta, error) {
	if err := validateID(id); err != nil {
		return Meta{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.index {
		if m.ID == id {
			return m, nil
		}
	}
	return Meta{}, apperr.NotFound("screenshot not found: " + id)
}

// Latest returns the newest screenshot.
func (s *Store) Latest() (Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.index) == 0 {
		return Meta{}, apperr.NotFound("no screenshots stored")
	}
	return s.index[0], nil
}

// List returns up to limit screenshots, newest first. A limit below 1
// returns all of them.
func (s *Store) List(limit int) []Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.index)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Meta, n)
	copy(out, s.index[:n])
	return out
}

// ReadImage reads the raw image bytes and returns the format.
func (s *Store) ReadImage(id string) ([]byte, string, error) {
	meta, err := s.Get(id)
	if err != nil {
		return nil, "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.dir, meta.Filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", apperr.NotFound("screenshot image not found: " + id)
		}
		return nil, "", fmt.Errorf("snapshot store: read image: %w", err)
	}
	return data, meta.Format, nil
}

// Delete removes both the image and metadata files.
func (s *Store) Delete(id string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.index {
		if m.ID == id {
			s.removeFilesLocked(m)
			s.index = append(s.index[:i], s.index[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) removeFilesLocked(m Meta) {
	if err := os.Remove(filepath.Join(s.dir, m.Filename)); err != nil {
		slog.Debug("snapshot image cleanup failed", "id", m.ID, "error", err)
	}
	if err := os.Remove(filepath.Join(s.dir, m.ID+".json")); err != nil && !os.IsNotExist(err) {
		slog.Debug("snapshot meta cleanup failed", "id", m.ID, "error", err)
	}
}

func (s *Store) pruneLocked() {
	if len(s.index) <= s.limit {
		return
	}
	for _, m := range s.index[s.limit:] {
		s.removeFilesLocked(m)
		slog.Info("screenshot evicted", "id", m.ID, "limit", s.limit)
	}
	s.index = s.index[:s.limit]
}

var imageExts = map[string]string{".png": "png", ".jpg": "jpg", ".jpeg": "jpg", ".webp": "webp"}

// load indexes existing images. Images without a sidecar are described
// from the file itself.
func (s *Store) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("snapshot store: read dir: %w", err)
	}

	var metas []Meta
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		format, ok := imageExts[ext]
		if !ok {
			continue
		}
		id := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if validateID(id) != nil {
			continue
		}

		if meta, err := s.readSidecar(id); err == nil {
			metas = append(metas, meta)
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		metas = append(metas, Meta{
			ID:        id,
			Filename:  e.Name(),
			Format:    format,
			SizeBytes: int(info.Size()),
			CreatedAt: info.ModTime().UTC(),
		})
	}

	sort.SliceStable(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	s.mu.Lock()
	s.index = metas
	s.mu.Unlock()
	slog.Info("snapshot store loaded", "dir", s.dir, "count", len(metas))
	return nil
}

func (s *Store) readSidecar(id string) (Meta, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id+".json"))
	if err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("snapshot store: unmarshal meta: %w", err)
	}
	if meta.ID != id || meta.Filename == "" {
		return Meta{}, fmt.Errorf("snapshot store: sidecar mismatch for %s", id)
	}
	return meta, nil
}
