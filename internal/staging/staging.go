package staging

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MediaType is the kind of payload a staged resource carries
type MediaType string

const (
	MediaDocument MediaType = "document"
	MediaImage    MediaType = "image"
	MediaFile     MediaType = "file"
)

// PersistenceState tells whether a resource already exists on the resource store
type PersistenceState string

const (
	Unsaved   PersistenceState = "unsaved"
	Persisted PersistenceState = "persisted"
)

// ErrDuplicate is returned by Add when a persisted resource with the same
// remote id is already staged.
var ErrDuplicate = errors.New("resource already staged")

// ErrUnknownMediaType is returned by Add for a media type other than
// document, image or file.
var ErrUnknownMediaType = errors.New("unknown media type")

// Resource represents an attachment added to the turn being composed
type Resource struct {
	LocalID   string    `json:"local_id"`
	Title     string    `json:"title"`
	MediaType MediaType `json:"type"`
	Content   string    `json:"content,omitempty"`
	RemoteID  string    `json:"remote_id,omitempty"`
}

// State derives the persistence state from the remote id.
func (r Resource) State() PersistenceState {
	if r.RemoteID == "" {
		return Unsaved
	}
	return Persisted
}

// Manager tracks the resources staged for the next turn
type Manager struct {
	mu        sync.Mutex
	resources []Resource
}

// NewManager creates an empty staging manager
func NewManager() *Manager {
	return &Manager{}
}

// Add stages a resource. Resources with a remote id are staged as persisted,
// everything else as unsaved.
func (m *Manager) Add(r Resource) (Resource, error) {
	switch r.MediaType {
	case "":
		r.MediaType = MediaFile
	case MediaDocument, MediaImage, MediaFile:
	default:
		return r, fmt.Errorf("%w: %q", ErrUnknownMediaType, r.MediaType)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if r.RemoteID != "" {
		for _, existing := range m.resources {
			if existing.RemoteID == r.RemoteID {
				return existing, ErrDuplicate
			}
		}
	}
	if r.LocalID == "" {
		r.LocalID = uuid.NewString()
	}
	m.resources = append(m.resources, r)
	return r, nil
}

// Remove drops the resource at index. Out-of-range indexes are ignored since
// a clear may have raced the caller.
func (m *Manager) Remove(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.resources) {
		return false
	}
	m.resources = append(m.resources[:index], m.resources[index+1:]...)
	return true
}

// RemoveByID drops the resource with the given local id
func (m *Manager) RemoveByID(localID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.resources {
		if r.LocalID == localID {
			m.resources = append(m.resources[:i], m.resources[i+1:]...)
			return true
		}
	}
	return false
}

// Clear empties the staging list
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = nil
}

// Snapshot returns a copy of the staged resources
func (m *Manager) Snapshot() []Resource {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Resource, len(m.resources))
	copy(out, m.resources)
	return out
}

// Len returns the number of staged resources
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resources)
}

// LoadFile reads a local file into an unsaved resource. Text payloads are
// kept inline, anything else is encoded as a data URI.
func LoadFile(path string) (Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Resource{}, fmt.Errorf("failed to read attachment: %w", err)
	}

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	r := Resource{
		Title:     filepath.Base(path),
		MediaType: MediaTypeOf(mimeType),
	}

	if strings.HasPrefix(mimeType, "text/") && utf8.Valid(data) {
		r.Content = string(data)
	} else {
		base := strings.TrimSpace(strings.Split(mimeType, ";")[0])
		r.Content = "data:" + base + ";base64," + base64.StdEncoding.EncodeToString(data)
	}
	return r, nil
}

// MediaTypeOf maps a MIME type onto the three media kinds the resource store knows
func MediaTypeOf(mimeType string) MediaType {
	base := strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0]))
	switch {
	case strings.HasPrefix(base, "image/"):
		return MediaImage
	case strings.HasPrefix(base, "text/"),
		base == "application/pdf",
		base == "application/msword",
		strings.HasPrefix(base, "application/vnd.openxmlformats-officedocument"),
		base == "application/vnd.oasis.opendocument.text":
		return MediaDocument
	default:
		return MediaFile
	}
}
