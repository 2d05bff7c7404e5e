// Package tabs tracks the tabs of one session: the browser's page targets
// with their last-known title, url and activity times. The registry only
// observes targets; it never extends their lifetime.
package tabs

import (
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
)

// Tab is the registry's record of one page target.
type Tab struct {
	ID           target.ID
	Title        string
	URL          string
	CreatedAt    time.Time
	LastActiveAt time.Time
	IsActive     bool
}

// Registry is the per-session tab table. All mutation goes through the
// session mutex in practice, but the registry carries its own lock so reads
// from the socket layer stay safe.
type Registry struct {
	mu       sync.RWMutex
	tabs     map[target.ID]*Tab
	activeID target.ID

	now func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tabs: make(map[target.ID]*Tab),
		now:  time.Now,
	}
}

// Upsert records a target. An existing entry keeps its CreatedAt and
// IsActive; LastActiveAt advances when the url changed.
func (r *Registry) Upsert(id target.ID, title, url string) *Tab {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	t, ok := r.tabs[id]
	if !ok {
		t = &Tab{
			ID:           id,
			Title:        title,
			URL:          url,
			CreatedAt:    now,
			LastActiveAt: now,
		}
		r.tabs[id] = t
		return r.snapshot(t)
	}

	if url != "" && url != t.URL {
		t.URL = url
		t.LastActiveAt = now
	}
	if title != "" {
		t.Title = title
	}
	return r.snapshot(t)
}

// Remove deletes a tab. Removing the active tab clears the active id.
func (r *Registry) Remove(id target.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tabs, id)
	if r.activeID == id {
		r.activeID = ""
	}
}

// Get returns a copy of the tab, or nil.
func (r *Registry) Get(id target.ID) *Tab {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(r.tabs[id])
}

// List returns copies of all tabs ordered by creation time.
func (r *Registry) List() []*Tab {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tab, 0, len(r.tabs))
	for _, t := range r.tabs {
		out = append(out, r.snapshot(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Active returns a copy of the active tab, or nil when none is set.
func (r *Registry) Active() *Tab {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.activeID == "" {
		return nil
	}
	return r.snapshot(r.tabs[r.activeID])
}

// ActiveID returns the active tab id, or "".
func (r *Registry) ActiveID() target.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID
}

// SetActive moves the active flag to id and advances its LastActiveAt.
// At most one tab carries IsActive at any time. Setting an unknown id
// clears the active tab.
func (r *Registry) SetActive(id target.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.tabs[r.activeID]; ok {
		prev.IsActive = false
	}
	r.activeID = ""

	t, ok := r.tabs[id]
	if !ok {
		return
	}
	t.IsActive = true
	t.LastActiveAt = r.now()
	r.activeID = id
}

// Len returns the number of tracked tabs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tabs)
}

// Prune drops every tab whose id is not in keep and reports the removed
// ids. Used after target enumeration to lazily drop closed pages.
func (r *Registry) Prune(keep map[target.ID]struct{}) []target.ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []target.ID
	for id := range r.tabs {
		if _, ok := keep[id]; !ok {
			delete(r.tabs, id)
			removed = append(removed, id)
		}
	}
	if _, ok := r.tabs[r.activeID]; !ok {
		r.activeID = ""
	}
	return removed
}

func (r *Registry) snapshot(t *Tab) *Tab {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
