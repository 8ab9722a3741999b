package models

import "time"

// Sighting is a single raw tag detection delivered by an event source.
type Sighting struct {
	RawTagID   string    `json:"raw_tag_id"`
	DetectedAt time.Time `json:"detected_at,omitempty"`
}
