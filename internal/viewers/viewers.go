// Package viewers resolves platform usernames to viewer profiles.
//
// A Directory answers "who is this username" with a display name, an avatar
// URL and the chat roles the viewer holds. The credits aggregator uses it to
// enrich snapshot entries, the avatar cache uses it as its external lookup,
// and the ingestion layer uses it to check donors and chat roles.
package viewers

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned when the directory has no record for a username.
var ErrNotFound = errors.New("viewer not found")

// Viewer describes a known viewer.
type Viewer struct {
	Username      string   `json:"username" validate:"required"`
	DisplayName   string   `json:"displayName"`
	ProfilePicURL string   `json:"profilePicUrl"`
	Roles         []string `json:"roles"`
}

// HasRole reports whether the viewer holds role, ignoring case.
func (v Viewer) HasRole(role string) bool {
	for _, candidate := range v.Roles {
		if strings.EqualFold(candidate, role) {
			return true
		}
	}
	return false
}

// Directory looks viewers up by username.
type Directory interface {
	LookupViewer(ctx context.Context, username string) (Viewer, error)
}

// Writer stores viewer records.
type Writer interface {
	UpsertViewer(ctx context.Context, viewer Viewer) error
}

// MemoryDirectory is an in-process Directory keyed case-insensitively.
type MemoryDirectory struct {
	mu      sync.RWMutex
	viewers map[string]Viewer
}

// NewMemoryDirectory returns a directory seeded with viewers.
func NewMemoryDirectory(viewers ...Viewer) *MemoryDirectory {
	d := &MemoryDirectory{viewers: make(map[string]Viewer, len(viewers))}
	for _, viewer := range viewers {
		_ = d.UpsertViewer(context.Background(), viewer)
	}
	return d
}

func (d *MemoryDirectory) LookupViewer(_ context.Context, username string) (Viewer, error) {
	key := normalizeUsername(username)
	if key == "" {
		return Viewer{}, ErrNotFound
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	viewer, ok := d.viewers[key]
	if !ok {
		return Viewer{}, ErrNotFound
	}
	viewer.Roles = append([]string(nil), viewer.Roles...)
	return viewer, nil
}

func (d *MemoryDirectory) UpsertViewer(_ context.Context, viewer Viewer) error {
	key := normalizeUsername(viewer.Username)
	if key == "" {
		return errors.New("viewer username is required")
	}
	viewer.Username = strings.TrimSpace(viewer.Username)
	viewer.Roles = normalizeRoles(viewer.Roles)
	d.mu.Lock()
	d.viewers[key] = viewer
	d.mu.Unlock()
	return nil
}

// Len reports how many viewers are stored.
func (d *MemoryDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.viewers)
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func normalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}
