package replay

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presencetrack/internal/resolver"
	"presencetrack/pkg/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func payload(offset time.Duration, body string) models.RawPayload {
	return models.RawPayload{ReceivedAt: base.Add(offset), Payload: []byte(body)}
}

func identityResolver(t *testing.T) *resolver.Resolver {
	t.Helper()
	r, err := resolver.New(resolver.IdentityLookup{}, resolver.Config{})
	require.NoError(t, err)
	return r
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("ap-%d", n)
	}
}

func TestRunSingleEntityTimeline(t *testing.T) {
	var timeline []models.PresenceEvent
	sum, err := Run(context.Background(), []models.RawPayload{
		payload(3*time.Second, `{"tagId":"a1"}`),
		payload(0, `{"tagId":"a1"}`),
	}, identityResolver(t), Config{Window: 5 * time.Second, Tick: time.Second, ClampLastSeen: true},
		func(ev models.PresenceEvent) error {
			timeline = append(timeline, ev)
			return nil
		})
	require.NoError(t, err)

	require.Len(t, timeline, 3)
	assert.Equal(t, models.PresenceAppeared, timeline[0].Kind)
	assert.Equal(t, "A1", timeline[0].Entity.ID)
	assert.Equal(t, models.PresenceRefreshed, timeline[1].Kind)
	assert.Equal(t, models.PresenceEvicted, timeline[2].Kind)
	assert.Equal(t, base.Add(9*time.Second), timeline[2].At)
	assert.Equal(t, base, timeline[2].Entity.FirstSeen)
	assert.Equal(t, base.Add(3*time.Second), timeline[2].Entity.LastSeen)

	assert.Equal(t, 2, sum.Payloads)
	assert.Equal(t, 1, sum.Appeared)
	assert.Equal(t, 1, sum.Refreshed)
	assert.Equal(t, 1, sum.Evicted)
	assert.Equal(t, 1, sum.PeakPresent)
	assert.Equal(t, 9*time.Second, sum.Span)
}

func TestRunReappearanceGetsNewLifecycle(t *testing.T) {
	var timeline []models.PresenceEvent
	_, err := Run(context.Background(), []models.RawPayload{
		payload(0, `{"tagId":"A1"}`),
		payload(20*time.Second, `{"tagId":"A1"}`),
	}, identityResolver(t), Config{Window: 5 * time.Second, Tick: time.Second, NewAppearanceID: sequentialIDs()},
		func(ev models.PresenceEvent) error {
			timeline = append(timeline, ev)
			return nil
		})
	require.NoError(t, err)

	require.Len(t, timeline, 4)
	assert.Equal(t, "ap-1", timeline[0].Entity.AppearanceID)
	assert.Equal(t, models.PresenceEvicted, timeline[1].Kind)
	assert.Equal(t, models.PresenceAppeared, timeline[2].Kind)
	assert.Equal(t, "ap-2", timeline[2].Entity.AppearanceID)
}

func TestRunCountsDrops(t *testing.T) {
	r, err := resolver.New(resolver.IdentityLookup{TagType: "pallet"}, resolver.Config{})
	require.NoError(t, err)

	sum, err := Run(context.Background(), []models.RawPayload{
		payload(0, `{"tagId":"P1"}`),
		payload(time.Second, `not json`),
	}, r, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Filtered)
	assert.Equal(t, 1, sum.Malformed)
	assert.Zero(t, sum.Appeared)
}

func TestRunUsesDetectedAt(t *testing.T) {
	detected := base.Add(-2 * time.Second)
	var first models.PresenceEvent
	_, err := Run(context.Background(), []models.RawPayload{
		payload(0, fmt.Sprintf(`{"tagId":"A1","detectedAt":%d}`, detected.UnixMilli())),
	}, identityResolver(t), Config{UseDetectedAt: true}, func(ev models.PresenceEvent) error {
		if first.Kind == "" {
			first = ev
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, detected.Equal(first.Entity.FirstSeen))
}

func TestRunIgnoresDetectedAtAfterReceipt(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var timeline []models.PresenceEvent
	sum, err := Run(ctx, []models.RawPayload{
		payload(0, `{"tagId":"A1","detectedAt":99999999999999}`),
	}, identityResolver(t), Config{Window: 5 * time.Second, Tick: time.Second, UseDetectedAt: true},
		func(ev models.PresenceEvent) error {
			timeline = append(timeline, ev)
			return nil
		})
	require.NoError(t, err)

	require.Len(t, timeline, 2)
	assert.Equal(t, base, timeline[0].Entity.FirstSeen)
	assert.Equal(t, models.PresenceEvicted, timeline[1].Kind)
	assert.Equal(t, base.Add(6*time.Second), timeline[1].At)
	assert.Equal(t, 6*time.Second, sum.Span)
}

func TestRunSkipsIdleTicksAcrossLongGaps(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	gap := 10 * 365 * 24 * time.Hour
	var timeline []models.PresenceEvent
	sum, err := Run(ctx, []models.RawPayload{
		payload(0, `{"tagId":"A1"}`),
		payload(gap, `{"tagId":"B2"}`),
	}, identityResolver(t), Config{Window: 5 * time.Second, Tick: time.Millisecond},
		func(ev models.PresenceEvent) error {
			timeline = append(timeline, ev)
			return nil
		})
	require.NoError(t, err)

	require.Len(t, timeline, 4)
	assert.Equal(t, "A1", timeline[1].Entity.ID)
	assert.Equal(t, base.Add(5*time.Second+time.Millisecond), timeline[1].At)
	assert.Equal(t, "B2", timeline[3].Entity.ID)
	assert.Equal(t, base.Add(gap+5*time.Second+time.Millisecond), timeline[3].At)
	assert.Equal(t, 2, sum.Evicted)
	assert.Equal(t, gap+5*time.Second+time.Millisecond, sum.Span)
}

func TestRunStopsOnEmitError(t *testing.T) {
	_, err := Run(context.Background(), []models.RawPayload{payload(0, `{"tagId":"A1"}`)},
		identityResolver(t), Config{}, func(models.PresenceEvent) error { return fmt.Errorf("disk full") })
	require.Error(t, err)
}

func TestLoadCapture(t *testing.T) {
	in := strings.NewReader(`{"received_at":"2026-03-01T12:00:00Z","payload":{"tagId":"A1"}}

{"received_at":"2026-03-01T12:00:01Z","payload":"{\"tagId\":\"B2\"}"}
`)
	got, err := LoadCapture(in)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, base, got[0].ReceivedAt)
	assert.JSONEq(t, `{"tagId":"A1"}`, string(got[0].Payload))

	_, err = LoadCapture(strings.NewReader(`{"payload":{}}`))
	require.Error(t, err)
	_, err = LoadCapture(strings.NewReader(`{broken`))
	require.Error(t, err)
}
