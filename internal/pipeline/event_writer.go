package pipeline

import (
	"errors"

	"presencetrack/pkg/models"
)

// EventWriter receives batches of presence transitions.
type EventWriter interface {
	WriteEvents(events []*models.PresenceEvent) error
	Close() error
}

// MultiEventWriter fans a batch out to several writers.
type MultiEventWriter struct {
	writers []EventWriter
}

// NewMultiEventWriter combines writers, skipping nil ones.
func NewMultiEventWriter(writers ...EventWriter) *MultiEventWriter {
	m := &MultiEventWriter{}
	for _, w := range writers {
		if w != nil {
			m.writers = append(m.writers, w)
		}
	}
	return m
}

// Len returns the number of combined writers.
func (m *MultiEventWriter) Len() int {
	return len(m.writers)
}

// WriteEvents writes to every writer and joins their errors.
func (m *MultiEventWriter) WriteEvents(events []*models.PresenceEvent) error {
	var errs []error
	for _, w := range m.writers {
		if err := w.WriteEvents(events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every writer and joins their errors.
func (m *MultiEventWriter) Close() error {
	var errs []error
	for _, w := range m.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// splitWriters unwraps a MultiEventWriter so that each sink can be retried on its own.
func splitWriters(w EventWriter) []EventWriter {
	switch v := w.(type) {
	case nil:
		return nil
	case *MultiEventWriter:
		return v.writers
	default:
		return []EventWriter{w}
	}
}
