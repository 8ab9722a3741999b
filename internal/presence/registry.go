// Package presence keeps the set of currently present entities and expires stale ones.
package presence

import (
	"time"

	"github.com/google/uuid"

	"presencetrack/pkg/models"
)

// Options controls registry merge behavior.
type Options struct {
	// ClampLastSeen keeps LastSeen non-decreasing when resolutions complete out of order.
	ClampLastSeen bool
	// NewAppearanceID mints lifecycle ids. Defaults to random UUIDs.
	NewAppearanceID func() string
}

// Registry is an in-memory merge-and-evict store with a single selection pointer.
// It is not safe for concurrent use; Tracker serializes access to it.
type Registry struct {
	clamp      bool
	newID      func() string
	order      []string
	entries    map[string]*models.Entity
	selectedID string
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	newID := opts.NewAppearanceID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	return &Registry{
		clamp:   opts.ClampLastSeen,
		newID:   newID,
		entries: make(map[string]*models.Entity),
	}
}

// Upsert merges a resolved entity observed at the given time. Unknown ids are appended;
// known ids get their attributes replaced and LastSeen bumped without reordering.
// It reports false when the entity has no id.
func (r *Registry) Upsert(entity models.Entity, at time.Time) (models.PresenceEvent, bool) {
	if entity.ID == "" {
		return models.PresenceEvent{}, false
	}

	cur, ok := r.entries[entity.ID]
	if !ok {
		stored := entity.Clone()
		stored.AppearanceID = r.newID()
		stored.FirstSeen = at
		stored.LastSeen = at
		r.entries[stored.ID] = &stored
		r.order = append(r.order, stored.ID)
		return models.PresenceEvent{Kind: models.PresenceAppeared, At: at, Entity: stored.Clone()}, true
	}

	next := entity.Clone()
	cur.Attributes = next.Attributes
	cur.Tags = next.Tags
	if next.RawTagID != "" {
		cur.RawTagID = next.RawTagID
	}
	if !r.clamp || at.After(cur.LastSeen) {
		cur.LastSeen = at
	}
	// FirstSeen <= LastSeen must hold even without clamping.
	if cur.LastSeen.Before(cur.FirstSeen) {
		cur.LastSeen = cur.FirstSeen
	}
	return models.PresenceEvent{Kind: models.PresenceRefreshed, At: at, Entity: cur.Clone()}, true
}

// EvictStale removes every entity whose LastSeen is more than window before now.
// Survivors keep their relative order. An evicted selection is cleared.
func (r *Registry) EvictStale(now time.Time, window time.Duration) []models.PresenceEvent {
	var evicted []models.PresenceEvent
	kept := r.order[:0]
	for _, id := range r.order {
		e := r.entries[id]
		if now.Sub(e.LastSeen) > window {
			evicted = append(evicted, models.PresenceEvent{Kind: models.PresenceEvicted, At: now, Entity: *e})
			delete(r.entries, id)
			if r.selectedID == id {
				r.selectedID = ""
			}
			continue
		}
		kept = append(kept, id)
	}
	for i := len(kept); i < len(r.order); i++ {
		r.order[i] = ""
	}
	r.order = kept
	return evicted
}

// OldestLastSeen returns the smallest LastSeen among live entities: the first one
// EvictStale will drop. It reports false when the registry is empty.
func (r *Registry) OldestLastSeen() (time.Time, bool) {
	var oldest time.Time
	for i, id := range r.order {
		if ls := r.entries[id].LastSeen; i == 0 || ls.Before(oldest) {
			oldest = ls
		}
	}
	return oldest, len(r.order) > 0
}

// Select points the selection at id. Selecting an absent id clears the selection and reports false.
func (r *Registry) Select(id string) bool {
	if _, ok := r.entries[id]; !ok {
		r.selectedID = ""
		return false
	}
	r.selectedID = id
	return true
}

// ClearSelection drops the selection.
func (r *Registry) ClearSelection() {
	r.selectedID = ""
}

// CurrentSelection returns the selected live entity, if any.
func (r *Registry) CurrentSelection() (models.Entity, bool) {
	if r.selectedID == "" {
		return models.Entity{}, false
	}
	return r.Lookup(r.selectedID)
}

// SelectedID returns the raw selection pointer.
func (r *Registry) SelectedID() string {
	return r.selectedID
}

// Lookup returns a copy of the live entity with the given id.
func (r *Registry) Lookup(id string) (models.Entity, bool) {
	e, ok := r.entries[id]
	if !ok {
		return models.Entity{}, false
	}
	return e.Clone(), true
}

// Entities returns copies of all live entities in insertion order.
func (r *Registry) Entities() []models.Entity {
	out := make([]models.Entity, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].Clone())
	}
	return out
}

// Len returns the number of live entities.
func (r *Registry) Len() int {
	return len(r.order)
}
