package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"presencetrack/internal/logger"
	"presencetrack/internal/metrics"
	"presencetrack/internal/presence"
	"presencetrack/internal/resolver"
	"presencetrack/internal/rules"
	"presencetrack/internal/source"
	"presencetrack/pkg/models"
)

// EntityResolver turns a sighting into a normalized entity.
type EntityResolver interface {
	Resolve(ctx context.Context, sighting models.Sighting) (*models.Entity, error)
}

// PresenceConfig wires the pipeline stages together.
type PresenceConfig struct {
	Source   source.Source
	Resolver EntityResolver
	Engine   rules.Engine
	Tracker  *presence.Tracker
	// Events must be the channel the tracker was built with.
	Events  <-chan models.PresenceEvent
	Writer  EventWriter
	Capture *RawCapture
	Metrics *metrics.Metrics

	Workers       int
	BatchSize     int
	FlushInterval time.Duration
	RetryInterval time.Duration
	// MaxPending bounds the events held back while a writer is failing.
	// Once reached, the oldest pending event is dropped.
	MaxPending int
}

// PresencePipeline reads sightings, resolves them in parallel and feeds the tracker;
// tracker transitions are batched into the configured writers.
type PresencePipeline struct {
	cfg     PresenceConfig
	writers []EventWriter
}

// NewPresencePipeline creates a pipeline.
func NewPresencePipeline(cfg PresenceConfig) (*PresencePipeline, error) {
	if cfg.Source == nil {
		return nil, errors.New("pipeline source is nil")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("pipeline resolver is nil")
	}
	if cfg.Tracker == nil {
		return nil, errors.New("pipeline tracker is nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.MaxPending < cfg.BatchSize {
		cfg.MaxPending = cfg.BatchSize * 10
	}
	return &PresencePipeline{cfg: cfg, writers: splitWriters(cfg.Writer)}, nil
}

// Run starts every stage and blocks until ctx is done.
func (p *PresencePipeline) Run(ctx context.Context) error {
	logger.Infof("Presence pipeline started: workers=%d batch=%d flush=%s",
		p.cfg.Workers, p.cfg.BatchSize, p.cfg.FlushInterval)

	sightings := make(chan models.Sighting, p.cfg.Workers*4)
	status := make(chan source.Status, 16)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.cfg.Tracker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("Presence tracker stopped: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(sightings)
		if err := p.cfg.Source.Run(ctx, sightings, status); err != nil && ctx.Err() == nil {
			logger.Errorf("Sighting source stopped: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.statusLoop(ctx, status)
	}()

	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, sightings)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.writeLoop(ctx)
	}()

	if p.cfg.Capture != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.cfg.Capture.Run(ctx)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close releases pipeline resources.
func (p *PresencePipeline) Close() error {
	var errs []error
	if err := p.cfg.Tracker.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.cfg.Capture != nil {
		if err := p.cfg.Capture.Close(); err != nil {
			logger.Errorf("Failed to close raw capture: %v", err)
			errs = append(errs, err)
		}
	}
	if p.cfg.Writer != nil {
		if err := p.cfg.Writer.Close(); err != nil {
			logger.Errorf("Failed to close presence writer: %v", err)
			errs = append(errs, err)
		}
	}
	if err := p.cfg.Source.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *PresencePipeline) statusLoop(ctx context.Context, in <-chan source.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-in:
			p.cfg.Metrics.SourceCondition(st.Condition.String())
			switch st.Condition {
			case source.Connected:
				logger.Infof("Sighting source connected")
			case source.Disconnected:
				logger.Warnf("Sighting source disconnected: %v", st.Reason)
			default:
				logger.Errorf("Sighting source transport error: %v", st.Reason)
			}
		}
	}
}

func (p *PresencePipeline) workerLoop(ctx context.Context, in <-chan models.Sighting) {
	for s := range in {
		p.cfg.Metrics.SightingReceived()

		entity, err := p.cfg.Resolver.Resolve(ctx, s)
		if err != nil {
			switch {
			case errors.Is(err, resolver.ErrNotAccepted):
				p.cfg.Metrics.SightingDropped(metrics.DropFiltered)
			case ctx.Err() != nil:
				p.cfg.Metrics.SightingDropped(metrics.DropClosed)
			default:
				p.cfg.Metrics.SightingDropped(metrics.DropLookupFailed)
				logger.Warnf("Failed to resolve tag %s: %v", s.RawTagID, err)
			}
			continue
		}

		if p.cfg.Engine != nil {
			entity.Tags = p.cfg.Engine.Apply(entity)
		}
		if !p.cfg.Tracker.Submit(*entity, s) {
			p.cfg.Metrics.SightingDropped(metrics.DropClosed)
		}
	}
}

func (p *PresencePipeline) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	var batch []*models.PresenceEvent

	add := func(ev models.PresenceEvent) {
		if len(batch) >= p.cfg.MaxPending {
			copy(batch, batch[1:])
			batch = batch[:len(batch)-1]
			p.cfg.Metrics.PresenceEventDropped(metrics.EventDropBacklog)
		}
		p.cfg.Metrics.PresenceEvent(string(ev.Kind))
		p.cfg.Metrics.SetLive(p.cfg.Tracker.View().Len())
		logger.Debugf("Presence %s: %s", ev.Kind, ev.Entity.ID)
		batch = append(batch, &ev)
	}
	flush := func(retry bool) {
		if len(batch) == 0 {
			return
		}
		// Events arriving during a retry start the next batch.
		out := batch
		batch = nil
		for _, w := range p.writers {
			p.writeWithRetry(ctx, w, out, retry, add)
		}
	}

	for {
		select {
		case <-ctx.Done():
			// The tracker may still be emitting; keep draining until it stops.
			for {
				select {
				case ev := <-p.cfg.Events:
					add(ev)
				case <-p.cfg.Tracker.Done():
					flush(false)
					return
				}
			}
		case <-ticker.C:
			flush(true)
		case ev := <-p.cfg.Events:
			add(ev)
			if len(batch) >= p.cfg.BatchSize {
				flush(true)
			}
		}
	}
}

// writeWithRetry keeps consuming tracker events through add while it waits between attempts,
// so a failing writer never backs up into the tracker.
func (p *PresencePipeline) writeWithRetry(ctx context.Context, w EventWriter, batch []*models.PresenceEvent, retry bool, add func(models.PresenceEvent)) {
	for {
		err := w.WriteEvents(batch)
		if err == nil {
			return
		}
		logger.Errorf("Failed to write presence events: %v", err)
		if !retry {
			return
		}
		wait := time.NewTimer(p.cfg.RetryInterval)
	waiting:
		for {
			select {
			case <-ctx.Done():
				wait.Stop()
				return
			case ev := <-p.cfg.Events:
				add(ev)
			case <-wait.C:
				break waiting
			}
		}
	}
}
