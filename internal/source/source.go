// Package source defines sighting sources and the payload schema they share.
package source

import (
	"context"
	"time"

	"presencetrack/pkg/models"
)

// Condition is an observable connection condition of a source.
type Condition int

const (
	Connected Condition = iota
	Disconnected
	TransportError
)

func (c Condition) String() string {
	switch c {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case TransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// Status reports a connection condition change.
type Status struct {
	Condition Condition
	Reason    error
	At        time.Time
}

// Source delivers decoded sightings until ctx is cancelled.
// Run owns reconnection; it returns only when ctx is done or the source is closed.
type Source interface {
	Run(ctx context.Context, sightings chan<- models.Sighting, status chan<- Status) error
	Close() error
}

// RawObserver receives every inbound payload before decoding. Used for replay capture.
type RawObserver func(payload []byte, receivedAt time.Time)

// Notify sends st on ch without blocking when nobody is listening.
func Notify(ch chan<- Status, st Status) {
	if ch == nil {
		return
	}
	if st.At.IsZero() {
		st.At = time.Now()
	}
	select {
	case ch <- st:
	default:
	}
}
