package presence

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presencetrack/pkg/models"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("appearance-%d", n)
	}
}

func entity(id string, attrs map[string]interface{}) models.Entity {
	return models.Entity{ID: id, Attributes: attrs}
}

func ids(entities []models.Entity) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.ID)
	}
	return out
}

func TestUpsertIsIdempotent(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := NewRegistry(Options{ClampLastSeen: true, NewAppearanceID: sequentialIDs()})

	ev, ok := r.Upsert(entity("A", map[string]interface{}{"name": "Ada"}), base)
	require.True(t, ok)
	assert.Equal(t, models.PresenceAppeared, ev.Kind)

	ev, ok = r.Upsert(entity("A", map[string]interface{}{"name": "Ada"}), base)
	require.True(t, ok)
	assert.Equal(t, models.PresenceRefreshed, ev.Kind)

	require.Equal(t, 1, r.Len())
	got, ok := r.Lookup("A")
	require.True(t, ok)
	assert.True(t, got.FirstSeen.Equal(base))
	assert.True(t, got.LastSeen.Equal(base))
	assert.Equal(t, "appearance-1", got.AppearanceID)
}

func TestUpsertPreservesInsertionOrderAndFirstSeen(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := NewRegistry(Options{ClampLastSeen: true})

	r.Upsert(entity("A", nil), base)
	r.Upsert(entity("B", nil), base.Add(time.Second))
	r.Upsert(entity("A", map[string]interface{}{"visits": float64(2)}), base.Add(2*time.Second))

	assert.Equal(t, []string{"A", "B"}, ids(r.Entities()))
	a, _ := r.Lookup("A")
	assert.True(t, a.FirstSeen.Equal(base))
	assert.True(t, a.LastSeen.Equal(base.Add(2*time.Second)))
	assert.Equal(t, float64(2), a.Attributes["visits"])
}

func TestUpsertRejectsEmptyID(t *testing.T) {
	r := NewRegistry(Options{})
	_, ok := r.Upsert(models.Entity{}, time.Now())
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestClampedLastSeenIsMonotonic(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := NewRegistry(Options{ClampLastSeen: true})

	offsets := []time.Duration{0, 3 * time.Second, time.Second, 5 * time.Second, 2 * time.Second}
	var prev time.Time
	for _, off := range offsets {
		r.Upsert(entity("A", nil), base.Add(off))
		got, _ := r.Lookup("A")
		assert.False(t, got.LastSeen.Before(prev), "lastSeen regressed at offset %s", off)
		prev = got.LastSeen
	}
	got, _ := r.Lookup("A")
	assert.True(t, got.LastSeen.Equal(base.Add(5*time.Second)))
}

func TestUnclampedLastSeenFollowsResolutionOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := NewRegistry(Options{ClampLastSeen: false})

	r.Upsert(entity("A", nil), base)
	r.Upsert(entity("A", nil), base.Add(3*time.Second))
	r.Upsert(entity("A", nil), base.Add(time.Second))
	got, _ := r.Lookup("A")
	assert.True(t, got.LastSeen.Equal(base.Add(time.Second)))

	r.Upsert(entity("A", nil), base.Add(-time.Second))
	got, _ = r.Lookup("A")
	assert.False(t, got.LastSeen.Before(got.FirstSeen))
}

func TestEvictStaleBoundary(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	window := 5 * time.Second

	r := NewRegistry(Options{})
	r.Upsert(entity("A", nil), base)

	assert.Empty(t, r.EvictStale(base.Add(window-time.Millisecond), window))
	assert.Empty(t, r.EvictStale(base.Add(window), window))
	assert.Equal(t, 1, r.Len())

	evicted := r.EvictStale(base.Add(window+time.Millisecond), window)
	require.Len(t, evicted, 1)
	assert.Equal(t, models.PresenceEvicted, evicted[0].Kind)
	assert.Equal(t, "A", evicted[0].Entity.ID)
	assert.Equal(t, 0, r.Len())
}

func TestEvictStaleKeepsSurvivorOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := NewRegistry(Options{})
	r.Upsert(entity("A", nil), base)
	r.Upsert(entity("B", nil), base)
	r.Upsert(entity("C", nil), base)
	r.Upsert(entity("D", nil), base)
	r.Upsert(entity("B", nil), base.Add(4*time.Second))
	r.Upsert(entity("D", nil), base.Add(4*time.Second))

	evicted := r.EvictStale(base.Add(6*time.Second), 5*time.Second)
	assert.Equal(t, []string{"A", "C"}, ids([]models.Entity{evicted[0].Entity, evicted[1].Entity}))
	assert.Equal(t, []string{"B", "D"}, ids(r.Entities()))
}

func TestReappearanceStartsNewLifecycle(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := NewRegistry(Options{NewAppearanceID: sequentialIDs()})

	r.Upsert(entity("A", nil), base)
	r.EvictStale(base.Add(10*time.Second), 5*time.Second)
	ev, _ := r.Upsert(entity("A", nil), base.Add(11*time.Second))

	assert.Equal(t, models.PresenceAppeared, ev.Kind)
	assert.Equal(t, "appearance-2", ev.Entity.AppearanceID)
	assert.True(t, ev.Entity.FirstSeen.Equal(base.Add(11*time.Second)))
}

func TestSelectionSafety(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := NewRegistry(Options{})

	assert.False(t, r.Select("missing"))
	_, ok := r.CurrentSelection()
	assert.False(t, ok)

	r.Upsert(entity("A", nil), base)
	require.True(t, r.Select("A"))
	sel, ok := r.CurrentSelection()
	require.True(t, ok)
	assert.Equal(t, "A", sel.ID)

	r.EvictStale(base.Add(time.Minute), 5*time.Second)
	_, ok = r.CurrentSelection()
	assert.False(t, ok)
	assert.Empty(t, r.SelectedID())

	r.Upsert(entity("B", nil), base.Add(time.Minute))
	r.Select("B")
	r.ClearSelection()
	_, ok = r.CurrentSelection()
	assert.False(t, ok)
}

func TestReturnedEntitiesAreCopies(t *testing.T) {
	r := NewRegistry(Options{})
	r.Upsert(entity("A", map[string]interface{}{"name": "Ada"}), time.Now())

	got, _ := r.Lookup("A")
	got.Attributes["name"] = "mutated"

	again, _ := r.Lookup("A")
	assert.Equal(t, "Ada", again.Attributes["name"])
}

func TestOldestLastSeen(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := NewRegistry(Options{})

	_, ok := r.OldestLastSeen()
	assert.False(t, ok)

	r.Upsert(entity("A", nil), base.Add(3*time.Second))
	r.Upsert(entity("B", nil), base.Add(time.Second))
	r.Upsert(entity("C", nil), base.Add(2*time.Second))

	oldest, ok := r.OldestLastSeen()
	require.True(t, ok)
	assert.True(t, oldest.Equal(base.Add(time.Second)))

	r.EvictStale(base.Add(7*time.Second), 5*time.Second)
	oldest, ok = r.OldestLastSeen()
	require.True(t, ok)
	assert.True(t, oldest.Equal(base.Add(2*time.Second)))
}
