package source

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"presencetrack/pkg/models"
)

// ErrMalformedPayload marks payloads that do not conform to the sighting schema.
var ErrMalformedPayload = errors.New("malformed sighting payload")

var (
	tagIDKeys      = []string{"rawTagId", "tagId", "tag_id", "epc"}
	detectedAtKeys = []string{"detectedAt", "detected_at", "timestamp"}
)

// DecodeSighting parses a sighting payload. The payload is either a JSON object or a
// JSON string whose content is itself a JSON object.
func DecodeSighting(data []byte) (models.Sighting, error) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return models.Sighting{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if s, ok := raw.(string); ok {
		raw = nil
		if err := json.Unmarshal([]byte(s), &raw); err != nil {
			return models.Sighting{}, fmt.Errorf("%w: embedded json: %v", ErrMalformedPayload, err)
		}
	}

	obj, ok := raw.(map[string]interface{})
	if !ok {
		return models.Sighting{}, fmt.Errorf("%w: expected object, got %T", ErrMalformedPayload, raw)
	}

	tagID := strings.TrimSpace(getString(obj, tagIDKeys...))
	if tagID == "" {
		return models.Sighting{}, fmt.Errorf("%w: missing tag id", ErrMalformedPayload)
	}

	sighting := models.Sighting{RawTagID: tagID}
	for _, key := range detectedAtKeys {
		v, ok := obj[key]
		if !ok || v == nil {
			continue
		}
		ts, ok := parseTimestamp(v)
		if !ok {
			return models.Sighting{}, fmt.Errorf("%w: unparseable %s", ErrMalformedPayload, key)
		}
		sighting.DetectedAt = ts
		break
	}
	return sighting, nil
}

func parseTimestamp(v interface{}) (time.Time, bool) {
	switch val := v.(type) {
	case float64:
		return fromEpoch(val)
	case string:
		value := strings.TrimSpace(val)
		if value == "" {
			return time.Time{}, false
		}
		if n, err := strconv.ParseFloat(value, 64); err == nil {
			return fromEpoch(n)
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if t, err := time.Parse(layout, value); err == nil {
				return t.UTC(), true
			}
		}
		for _, layout := range []string{
			"2006-01-02 15:04:05.000000",
			"2006-01-02 15:04:05.000",
			"2006-01-02 15:04:05",
		} {
			if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// fromEpoch reads n as unix milliseconds.
func fromEpoch(n float64) (time.Time, bool) {
	if n <= 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return time.Time{}, false
	}
	ms, frac := math.Modf(n)
	return time.UnixMilli(int64(ms)).Add(time.Duration(frac * float64(time.Millisecond))).UTC(), true
}

func getString(root map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		v, ok := root[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			return val
		case float64:
			if val == float64(int64(val)) {
				return strconv.FormatInt(int64(val), 10)
			}
			return strconv.FormatFloat(val, 'f', -1, 64)
		}
	}
	return ""
}
