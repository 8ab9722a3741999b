package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presencetrack/pkg/models"
)

type stubLookup struct {
	tags      map[string]TagValue
	records   map[string]map[string]interface{}
	classErr  error
	fetchErr  error
	classKeys []string
	fetched   []string
}

func (s *stubLookup) ClassifyTag(_ context.Context, key string) (TagValue, error) {
	s.classKeys = append(s.classKeys, key)
	if s.classErr != nil {
		return TagValue{}, s.classErr
	}
	tv, ok := s.tags[key]
	if !ok {
		return TagValue{}, ErrNotFound
	}
	return tv, nil
}

func (s *stubLookup) FetchEntity(_ context.Context, value string) (map[string]interface{}, error) {
	s.fetched = append(s.fetched, value)
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	rec, ok := s.records[value]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func newTestResolver(t *testing.T, lookup Lookup, cfg Config) *Resolver {
	t.Helper()
	r, err := New(lookup, cfg)
	require.NoError(t, err)
	return r
}

func TestResolveNormalizesMissingFields(t *testing.T) {
	lookup := &stubLookup{
		tags: map[string]TagValue{"E200": {TagType: "Customer", TagValue: "42"}},
		records: map[string]map[string]interface{}{
			"42": {"id": float64(42), "name": "Ada", "visits": "many"},
		},
	}
	r := newTestResolver(t, lookup, Config{
		KeyPrefixLen: 4,
		Fields: []Field{
			{Name: "name", Kind: KindString},
			{Name: "visits", Kind: KindNumber},
			{Name: "tags", Kind: KindList},
			{Name: "vip", Kind: KindBool},
			{Name: "address", Kind: KindMap},
		},
	})

	entity, err := r.Resolve(context.Background(), models.Sighting{RawTagID: " e2003412 "})
	require.NoError(t, err)

	assert.Equal(t, []string{"E200"}, lookup.classKeys)
	assert.Equal(t, []string{"42"}, lookup.fetched)
	assert.Equal(t, "42", entity.ID)
	assert.Equal(t, " e2003412 ", entity.RawTagID)
	assert.Equal(t, "Ada", entity.Attributes["name"])
	assert.Equal(t, float64(0), entity.Attributes["visits"])
	assert.Equal(t, []interface{}{}, entity.Attributes["tags"])
	assert.Equal(t, false, entity.Attributes["vip"])
	assert.Equal(t, map[string]interface{}{}, entity.Attributes["address"])
	assert.True(t, entity.FirstSeen.IsZero())
}

func TestResolveFiltersForeignTagType(t *testing.T) {
	lookup := &stubLookup{tags: map[string]TagValue{"T1": {TagType: "product", TagValue: "sku-1"}}}
	r := newTestResolver(t, lookup, Config{AcceptedType: "customer"})

	entity, err := r.Resolve(context.Background(), models.Sighting{RawTagID: "t1"})
	require.ErrorIs(t, err, ErrNotAccepted)
	assert.Nil(t, entity)
	assert.Empty(t, lookup.fetched, "entity fetch must not run for filtered tags")
}

func TestResolvePropagatesLookupFailures(t *testing.T) {
	boom := errors.New("connection refused")

	r := newTestResolver(t, &stubLookup{classErr: boom}, Config{})
	_, err := r.Resolve(context.Background(), models.Sighting{RawTagID: "X"})
	require.ErrorIs(t, err, boom)

	r = newTestResolver(t, &stubLookup{
		tags:     map[string]TagValue{"X": {TagType: "customer", TagValue: "1"}},
		fetchErr: boom,
	}, Config{})
	entity, err := r.Resolve(context.Background(), models.Sighting{RawTagID: "X"})
	require.ErrorIs(t, err, boom)
	assert.Nil(t, entity)

	r = newTestResolver(t, &stubLookup{
		tags: map[string]TagValue{"X": {TagType: "customer", TagValue: "missing"}},
	}, Config{})
	_, err = r.Resolve(context.Background(), models.Sighting{RawTagID: "X"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveRejectsEmptyTagValue(t *testing.T) {
	r := newTestResolver(t, &stubLookup{
		tags: map[string]TagValue{"X": {TagType: "customer", TagValue: "  "}},
	}, Config{})
	_, err := r.Resolve(context.Background(), models.Sighting{RawTagID: "X"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotAccepted)
}

func TestDistinctTagsResolveToSameCanonicalID(t *testing.T) {
	lookup := &stubLookup{
		tags: map[string]TagValue{
			"CARD-1": {TagType: "customer", TagValue: "c-9"},
			"FOB-7":  {TagType: "customer", TagValue: "c-9"},
		},
		records: map[string]map[string]interface{}{"c-9": {"id": "cust-9"}},
	}
	r := newTestResolver(t, lookup, Config{})

	a, err := r.Resolve(context.Background(), models.Sighting{RawTagID: "card-1"})
	require.NoError(t, err)
	b, err := r.Resolve(context.Background(), models.Sighting{RawTagID: "fob-7"})
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "cust-9", a.ID)
}

func TestNormalizeFallsBackToTagValueID(t *testing.T) {
	n, err := NewNormalizer("customerId", nil)
	require.NoError(t, err)
	e := n.Normalize(map[string]interface{}{"name": "x"}, "tv-1")
	assert.Equal(t, "tv-1", e.ID)
}

func TestNewNormalizerRejectsUnknownKind(t *testing.T) {
	_, err := NewNormalizer("", []Field{{Name: "x", Kind: "date"}})
	require.Error(t, err)
}

func TestIdentityLookup(t *testing.T) {
	r := newTestResolver(t, IdentityLookup{}, Config{})
	e, err := r.Resolve(context.Background(), models.Sighting{RawTagID: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "ABC", e.ID)
}

func TestClassificationKeyCountsCharacters(t *testing.T) {
	r := newTestResolver(t, &stubLookup{}, Config{KeyPrefixLen: 2})
	assert.Equal(t, "ÄÖ", r.ClassificationKey(" äöü123 "))
	assert.Equal(t, "E2", r.ClassificationKey("e2003412"))

	whole := newTestResolver(t, &stubLookup{}, Config{KeyPrefixLen: 8})
	assert.Equal(t, "ÄÖ", whole.ClassificationKey("äö"))
}
