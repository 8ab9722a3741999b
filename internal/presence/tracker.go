package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"presencetrack/internal/logger"
	"presencetrack/internal/view"
	"presencetrack/pkg/models"
)

// TrackerConfig controls expiry and event delivery.
type TrackerConfig struct {
	Window        time.Duration
	Tick          time.Duration
	ClampLastSeen bool
	// UseDetectedAt stamps entities with the sighting's detection time when it has one,
	// instead of the processing time.
	UseDetectedAt bool
	QueueSize     int
	Clock         Clock
	// Events receives every registry transition. Nil discards them. The tracker never
	// waits on it: when the channel is full the event is handed to OnEventDropped.
	Events chan<- models.PresenceEvent
	// OnEventDropped is called on the tracker goroutine for each event Events could not take.
	OnEventDropped func(ev models.PresenceEvent)
	// OnChange is called on the tracker goroutine after each state change.
	OnChange func(v view.View)
	// NewAppearanceID overrides lifecycle id minting.
	NewAppearanceID func() string
}

type submission struct {
	entity   models.Entity
	sighting models.Sighting
}

type command struct {
	apply func(r *Registry) bool
	reply chan bool
}

// Tracker owns a Registry and applies every mutation on one goroutine: resolved entities,
// selection commands and the eviction tick all feed the same loop. Readers use View.
type Tracker struct {
	cfg   TrackerConfig
	reg   *Registry
	clock Clock
	log   zerolog.Logger

	submissions chan submission
	commands    chan command

	current atomic.Pointer[view.View]
	alive   atomic.Bool
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewTracker creates a tracker. Call Run to start it and Close to dispose of it.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Second
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}

	t := &Tracker{
		cfg:         cfg,
		reg:         NewRegistry(Options{ClampLastSeen: cfg.ClampLastSeen, NewAppearanceID: cfg.NewAppearanceID}),
		clock:       cfg.Clock,
		log:         logger.WithComponent("tracker"),
		submissions: make(chan submission, cfg.QueueSize),
		commands:    make(chan command),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	t.alive.Store(true)
	empty := view.Project(t.reg)
	t.current.Store(&empty)
	return t
}

// Run processes submissions, commands and ticks until ctx is done or Close is called.
func (t *Tracker) Run(ctx context.Context) error {
	defer close(t.stopped)
	defer t.shutdown()

	ticker := t.clock.NewTicker(t.cfg.Tick)
	defer ticker.Stop()

	t.log.Info().Dur("window", t.cfg.Window).Dur("tick", t.cfg.Tick).Msg("presence tracker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return nil
		case s := <-t.submissions:
			t.apply(s)
		case cmd := <-t.commands:
			changed := cmd.apply(t.reg)
			t.publish()
			cmd.reply <- changed
		case <-ticker.C():
			t.evict(t.clock.Now())
		}
	}
}

// Submit queues a resolved entity. It reports false once the tracker has been torn down,
// in which case the entity is dropped.
func (t *Tracker) Submit(entity models.Entity, sighting models.Sighting) bool {
	if !t.alive.Load() {
		return false
	}
	select {
	case t.submissions <- submission{entity: entity, sighting: sighting}:
		return true
	case <-t.done:
		return false
	}
}

// Select points the selection at id. It reports false when id is not present.
func (t *Tracker) Select(id string) bool {
	return t.do(func(r *Registry) bool { return r.Select(id) })
}

// ClearSelection drops the selection.
func (t *Tracker) ClearSelection() {
	t.do(func(r *Registry) bool {
		r.ClearSelection()
		return true
	})
}

// View returns the latest published projection.
func (t *Tracker) View() view.View {
	return *t.current.Load()
}

// Close tears the tracker down: the tick stops, later submissions become no-ops.
func (t *Tracker) Close() error {
	t.shutdown()
	return nil
}

// Done is closed once Run has returned.
func (t *Tracker) Done() <-chan struct{} {
	return t.stopped
}

func (t *Tracker) shutdown() {
	t.once.Do(func() {
		t.alive.Store(false)
		close(t.done)
	})
}

func (t *Tracker) do(fn func(r *Registry) bool) bool {
	reply := make(chan bool, 1)
	select {
	case t.commands <- command{apply: fn, reply: reply}:
	case <-t.done:
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-t.stopped:
		return false
	}
}

func (t *Tracker) apply(s submission) {
	if !t.alive.Load() {
		return
	}
	now := t.clock.Now()
	at := now
	if t.cfg.UseDetectedAt && !s.sighting.DetectedAt.IsZero() {
		at = s.sighting.DetectedAt
		// A reader clock running ahead must not keep the entity alive past its window.
		if at.After(now) {
			at = now
		}
	}
	if s.entity.RawTagID == "" {
		s.entity.RawTagID = s.sighting.RawTagID
	}

	ev, ok := t.reg.Upsert(s.entity, at)
	if !ok {
		t.log.Warn().Str("raw_tag_id", s.sighting.RawTagID).Msg("dropping entity without id")
		return
	}
	t.publish()
	t.emit(ev)
}

func (t *Tracker) evict(now time.Time) {
	evicted := t.reg.EvictStale(now, t.cfg.Window)
	if len(evicted) == 0 {
		return
	}
	t.publish()
	for _, ev := range evicted {
		t.log.Debug().Str("entity_id", ev.Entity.ID).Time("last_seen", ev.Entity.LastSeen).Msg("evicted stale entity")
		t.emit(ev)
	}
}

func (t *Tracker) publish() {
	v := view.Project(t.reg)
	t.current.Store(&v)
	if t.cfg.OnChange != nil {
		t.cfg.OnChange(v)
	}
}

func (t *Tracker) emit(ev models.PresenceEvent) {
	if t.cfg.Events == nil {
		return
	}
	select {
	case t.cfg.Events <- ev:
	default:
		t.log.Debug().Str("entity_id", ev.Entity.ID).Str("kind", string(ev.Kind)).Msg("event channel full, dropping presence event")
		if t.cfg.OnEventDropped != nil {
			t.cfg.OnEventDropped(ev)
		}
	}
}
