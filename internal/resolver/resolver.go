// Package resolver turns raw sightings into canonical entity records.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"presencetrack/pkg/models"
)

var (
	// ErrNotAccepted marks sightings whose tag classifies to a foreign type. Expected traffic, not a failure.
	ErrNotAccepted = errors.New("tag type not accepted")
	// ErrNotFound is returned by lookups when the remote has no record.
	ErrNotFound = errors.New("record not found")
)

// TagValue is the result of the classification lookup.
type TagValue struct {
	TagType  string `json:"tagType"`
	TagValue string `json:"tagValue"`
}

// Lookup performs the remote calls the resolver depends on.
type Lookup interface {
	ClassifyTag(ctx context.Context, key string) (TagValue, error)
	FetchEntity(ctx context.Context, value string) (map[string]interface{}, error)
}

// Config controls classification and normalization.
type Config struct {
	AcceptedType string
	KeyPrefixLen int
	IDField      string
	Fields       []Field
}

// Resolver resolves sightings through a Lookup.
type Resolver struct {
	lookup       Lookup
	acceptedType string
	prefixLen    int
	normalizer   *Normalizer
}

// New creates a resolver.
func New(lookup Lookup, cfg Config) (*Resolver, error) {
	if lookup == nil {
		return nil, fmt.Errorf("lookup is required")
	}
	if cfg.AcceptedType == "" {
		cfg.AcceptedType = "customer"
	}
	if cfg.KeyPrefixLen < 0 {
		return nil, fmt.Errorf("key prefix length must be >= 0, got %d", cfg.KeyPrefixLen)
	}
	normalizer, err := NewNormalizer(cfg.IDField, cfg.Fields)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		lookup:       lookup,
		acceptedType: strings.TrimSpace(cfg.AcceptedType),
		prefixLen:    cfg.KeyPrefixLen,
		normalizer:   normalizer,
	}, nil
}

// Resolve classifies the sighting, fetches the entity and normalizes it.
// The returned entity has no timestamps; the registry assigns them.
func (r *Resolver) Resolve(ctx context.Context, sighting models.Sighting) (*models.Entity, error) {
	key := r.ClassificationKey(sighting.RawTagID)
	if key == "" {
		return nil, fmt.Errorf("empty classification key for tag %q", sighting.RawTagID)
	}

	tag, err := r.lookup.ClassifyTag(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("classify tag %s: %w", key, err)
	}
	if !strings.EqualFold(strings.TrimSpace(tag.TagType), r.acceptedType) {
		return nil, fmt.Errorf("%w: %q", ErrNotAccepted, tag.TagType)
	}
	value := strings.TrimSpace(tag.TagValue)
	if value == "" {
		return nil, fmt.Errorf("classify tag %s: empty tag value", key)
	}

	record, err := r.lookup.FetchEntity(ctx, value)
	if err != nil {
		return nil, fmt.Errorf("fetch entity %s: %w", value, err)
	}
	if record == nil {
		return nil, fmt.Errorf("fetch entity %s: %w", value, ErrNotFound)
	}

	entity := r.normalizer.Normalize(record, value)
	entity.RawTagID = sighting.RawTagID
	return entity, nil
}

// ClassificationKey derives the lookup key from a raw tag id.
func (r *Resolver) ClassificationKey(rawTagID string) string {
	key := strings.ToUpper(strings.TrimSpace(rawTagID))
	if runes := []rune(key); r.prefixLen > 0 && len(runes) > r.prefixLen {
		key = string(runes[:r.prefixLen])
	}
	return key
}

// IdentityLookup classifies every tag as the accepted type and returns a record
// whose id is the tag value. Used for offline replay without a backend.
type IdentityLookup struct {
	TagType string
}

// ClassifyTag returns the key as the tag value.
func (l IdentityLookup) ClassifyTag(_ context.Context, key string) (TagValue, error) {
	typ := l.TagType
	if typ == "" {
		typ = "customer"
	}
	return TagValue{TagType: typ, TagValue: key}, nil
}

// FetchEntity returns a record carrying only the id.
func (IdentityLookup) FetchEntity(_ context.Context, value string) (map[string]interface{}, error) {
	return map[string]interface{}{"id": value}, nil
}
