package rawjson

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presencetrack/pkg/models"
)

func readRecords(t *testing.T, path string) []models.RawPayload {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []models.RawPayload
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec models.RawPayload
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestWriteRawPayloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture", "raw.jsonl")
	w, err := NewWriter(path)
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, w.WriteRawPayloads([]models.RawPayload{
		{ReceivedAt: at, Payload: []byte(`{"event":"tag_detected","data":{"rawTagId":"E2"}}`)},
		{ReceivedAt: at.Add(time.Second), Payload: []byte(`garbage`)},
	}))
	require.NoError(t, w.Close())

	recs := readRecords(t, path)
	require.Len(t, recs, 2)
	assert.True(t, at.Equal(recs[0].ReceivedAt))
	assert.JSONEq(t, `{"event":"tag_detected","data":{"rawTagId":"E2"}}`, string(recs[0].Payload))
	assert.Equal(t, `"garbage"`, string(recs[1].Payload))
}

func TestWriterClosed(t *testing.T) {
	w, err := NewWriter(filepath.Join(t.TempDir(), "raw.jsonl"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.Error(t, w.WriteRawPayloads([]models.RawPayload{{Payload: []byte(`{}`)}}))
}
