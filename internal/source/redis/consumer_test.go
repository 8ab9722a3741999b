package redis

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presencetrack/internal/source"
	"presencetrack/pkg/models"
)

func TestNewConsumerRequiresKey(t *testing.T) {
	_, err := NewConsumer(Config{})
	require.Error(t, err)
}

func TestConsumerDecodesListPayloads(t *testing.T) {
	addr := os.Getenv("PRESENCETRACK_TEST_REDIS")
	if addr == "" {
		t.Skip("PRESENCETRACK_TEST_REDIS not set")
	}
	key := "presencetrack:test:sightings"

	admin := goredis.NewClient(&goredis.Options{Addr: addr})
	defer admin.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, admin.Del(ctx, key).Err())
	require.NoError(t, admin.RPush(ctx, key, `{"tagId":"A1"}`, `garbage`, `{"tagId":"B2"}`).Err())

	malformed := 0
	c, err := NewConsumer(Config{
		Addr:         addr,
		Key:          key,
		BlockTimeout: 100 * time.Millisecond,
		OnMalformed:  func(error) { malformed++ },
	})
	require.NoError(t, err)
	defer c.Close()

	sightings := make(chan models.Sighting, 4)
	status := make(chan source.Status, 4)
	runCtx, stop := context.WithCancel(ctx)
	go func() { _ = c.Run(runCtx, sightings, status) }()

	first := <-sightings
	second := <-sightings
	stop()

	assert.Equal(t, "A1", first.RawTagID)
	assert.Equal(t, "B2", second.RawTagID)
	assert.Equal(t, 1, malformed)
	assert.Equal(t, source.Connected, (<-status).Condition)
}

// brokenList answers PING locally and fails every other command without touching the network.
type brokenList struct{}

func (brokenList) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("dial disabled")
	}
}

func (brokenList) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if cmd.Name() == "ping" {
			return nil
		}
		err := errors.New("connection reset by peer")
		cmd.SetErr(err)
		return err
	}
}

func (brokenList) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return next
}

func TestConsumerReportsPopFailureAsTransportError(t *testing.T) {
	c, err := NewConsumer(Config{Addr: "127.0.0.1:1", Key: "sightings", BlockTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()
	c.client.AddHook(brokenList{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	status := make(chan source.Status, 4)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, make(chan models.Sighting), status) }()

	assert.Equal(t, source.Connected, (<-status).Condition)
	failed := <-status
	assert.Equal(t, source.TransportError, failed.Condition)
	assert.EqualError(t, failed.Reason, "connection reset by peer")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
