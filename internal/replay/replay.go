// Package replay runs a raw payload capture through decode, resolve and the presence
// registry on a simulated clock.
package replay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"presencetrack/internal/presence"
	"presencetrack/internal/resolver"
	"presencetrack/internal/source"
	"presencetrack/pkg/models"
)

// EntityResolver turns a sighting into a normalized entity.
type EntityResolver interface {
	Resolve(ctx context.Context, sighting models.Sighting) (*models.Entity, error)
}

// Config controls the simulated registry.
type Config struct {
	Window          time.Duration
	Tick            time.Duration
	ClampLastSeen   bool
	UseDetectedAt   bool
	NewAppearanceID func() string
}

// Summary counts what happened during a replay.
type Summary struct {
	Payloads     int           `json:"payloads"`
	Malformed    int           `json:"malformed"`
	Filtered     int           `json:"filtered"`
	LookupFailed int           `json:"lookup_failed"`
	Appeared     int           `json:"appeared"`
	Refreshed    int           `json:"refreshed"`
	Evicted      int           `json:"evicted"`
	PeakPresent  int           `json:"peak_present"`
	Start        time.Time     `json:"start"`
	End          time.Time     `json:"end"`
	Span         time.Duration `json:"span"`
}

// LoadCapture reads a JSON lines capture. Blank lines are skipped.
func LoadCapture(r io.Reader) ([]models.RawPayload, error) {
	var out []models.RawPayload
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var p models.RawPayload
		if err := json.Unmarshal(b, &p); err != nil {
			return nil, fmt.Errorf("capture line %d: %w", line, err)
		}
		if p.ReceivedAt.IsZero() {
			return nil, fmt.Errorf("capture line %d: missing received_at", line)
		}
		out = append(out, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read capture: %w", err)
	}
	return out, nil
}

// Run replays payloads in receive order. The simulated clock starts at the first
// payload and ticks every cfg.Tick; eviction runs on each tick before any payload
// received at or after it; ticks that cannot evict anything are skipped. After the last
// payload the clock keeps ticking until the registry is empty. A detection time later than
// the receive time is ignored. Every transition is passed to emit in order.
func Run(ctx context.Context, payloads []models.RawPayload, res EntityResolver, cfg Config, emit func(models.PresenceEvent) error) (Summary, error) {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Second
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if emit == nil {
		emit = func(models.PresenceEvent) error { return nil }
	}

	var sum Summary
	if len(payloads) == 0 {
		return sum, nil
	}

	ordered := append([]models.RawPayload(nil), payloads...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ReceivedAt.Before(ordered[j].ReceivedAt)
	})

	reg := presence.NewRegistry(presence.Options{ClampLastSeen: cfg.ClampLastSeen, NewAppearanceID: cfg.NewAppearanceID})
	sum.Start = ordered[0].ReceivedAt
	nextTick := sum.Start.Add(cfg.Tick)

	record := func(ev models.PresenceEvent) error {
		switch ev.Kind {
		case models.PresenceAppeared:
			sum.Appeared++
		case models.PresenceRefreshed:
			sum.Refreshed++
		case models.PresenceEvicted:
			sum.Evicted++
		}
		if n := reg.Len(); n > sum.PeakPresent {
			sum.PeakPresent = n
		}
		return emit(ev)
	}
	// firstTickAfter returns the earliest scheduled tick strictly after t.
	firstTickAfter := func(t time.Time) time.Time {
		if nextTick.After(t) {
			return nextTick
		}
		n := t.Sub(nextTick)/cfg.Tick + 1
		return nextTick.Add(n * cfg.Tick)
	}
	tickUntil := func(until time.Time) error {
		for !nextTick.After(until) {
			if oldest, ok := reg.OldestLastSeen(); !ok || !nextTick.After(oldest.Add(cfg.Window)) {
				// Nothing expires before the first tick past oldest+window.
				due := until
				if ok && oldest.Add(cfg.Window).Before(until) {
					due = oldest.Add(cfg.Window)
				}
				next := firstTickAfter(due)
				if next.After(until) {
					sum.End = next.Add(-cfg.Tick)
					nextTick = next
					return nil
				}
				nextTick = next
			}
			for _, ev := range reg.EvictStale(nextTick, cfg.Window) {
				if err := record(ev); err != nil {
					return err
				}
			}
			sum.End = nextTick
			nextTick = nextTick.Add(cfg.Tick)
		}
		return nil
	}

	for _, p := range ordered {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := tickUntil(p.ReceivedAt); err != nil {
			return sum, err
		}
		sum.Payloads++
		sum.End = p.ReceivedAt

		sighting, err := source.DecodeSighting(p.Payload)
		if err != nil {
			sum.Malformed++
			continue
		}
		entity, err := res.Resolve(ctx, sighting)
		if err != nil {
			if errors.Is(err, resolver.ErrNotAccepted) {
				sum.Filtered++
			} else {
				sum.LookupFailed++
			}
			continue
		}
		if entity.RawTagID == "" {
			entity.RawTagID = sighting.RawTagID
		}
		at := p.ReceivedAt
		if cfg.UseDetectedAt && !sighting.DetectedAt.IsZero() && sighting.DetectedAt.Before(at) {
			at = sighting.DetectedAt
		}
		ev, ok := reg.Upsert(*entity, at)
		if !ok {
			sum.LookupFailed++
			continue
		}
		if err := record(ev); err != nil {
			return sum, err
		}
	}

	for {
		oldest, ok := reg.OldestLastSeen()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := tickUntil(firstTickAfter(oldest.Add(cfg.Window))); err != nil {
			return sum, err
		}
	}
	sum.Span = sum.End.Sub(sum.Start)
	return sum, nil
}
