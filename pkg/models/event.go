package models

import "time"

// PresenceEventKind labels a registry transition.
type PresenceEventKind string

const (
	PresenceAppeared  PresenceEventKind = "appeared"
	PresenceRefreshed PresenceEventKind = "refreshed"
	PresenceEvicted   PresenceEventKind = "evicted"
)

// PresenceEvent records one registry transition for downstream sinks.
type PresenceEvent struct {
	Kind   PresenceEventKind `json:"kind"`
	At     time.Time         `json:"ts"`
	Entity Entity            `json:"entity"`
}
