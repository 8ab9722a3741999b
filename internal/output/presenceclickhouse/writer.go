package presenceclickhouse

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"presencetrack/pkg/models"
)

// Config configures the ClickHouse HTTP writer.
type Config struct {
	URL      string
	Database string
	Table    string
	Username string
	Password string
	Timeout  time.Duration
	Headers  map[string]string
}

// Writer sends presence events to ClickHouse via HTTP JSONEachRow.
type Writer struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// Row is the flattened table shape of one presence event.
type Row struct {
	Timestamp    time.Time `json:"ts"`
	Kind         string    `json:"kind"`
	EntityID     string    `json:"entity_id"`
	AppearanceID string    `json:"appearance_id"`
	RawTagID     string    `json:"raw_tag_id"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	Attributes   string    `json:"attributes"`
	Tags         []string  `json:"tags"`
}

// NewWriter creates a ClickHouse HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("clickhouse URL is empty")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Table == "" {
		cfg.Table = "presence_events"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	q := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", quoteIdent(cfg.Database), quoteIdent(cfg.Table))
	endpoint := strings.TrimRight(cfg.URL, "/") + "/?query=" + url.QueryEscape(q)

	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.Username != "" {
		headers["X-ClickHouse-User"] = cfg.Username
	}
	if cfg.Password != "" {
		headers["X-ClickHouse-Key"] = cfg.Password
	}

	return &Writer{
		endpoint: endpoint,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// ToRow flattens a presence event.
func ToRow(ev *models.PresenceEvent) (Row, error) {
	attrs := "{}"
	if len(ev.Entity.Attributes) > 0 {
		b, err := json.Marshal(ev.Entity.Attributes)
		if err != nil {
			return Row{}, fmt.Errorf("marshal attributes of %s: %w", ev.Entity.ID, err)
		}
		attrs = string(b)
	}
	tags := make([]string, 0, len(ev.Entity.Tags))
	for _, t := range ev.Entity.Tags {
		tags = append(tags, t.ID)
	}
	return Row{
		Timestamp:    ev.At.UTC(),
		Kind:         string(ev.Kind),
		EntityID:     ev.Entity.ID,
		AppearanceID: ev.Entity.AppearanceID,
		RawTagID:     ev.Entity.RawTagID,
		FirstSeen:    ev.Entity.FirstSeen.UTC(),
		LastSeen:     ev.Entity.LastSeen.UTC(),
		Attributes:   attrs,
		Tags:         tags,
	}, nil
}

// WriteEvents sends a batch of presence events.
func (w *Writer) WriteEvents(events []*models.PresenceEvent) error {
	if len(events) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, ev := range events {
		row, err := ToRow(ev)
		if err != nil {
			return err
		}
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("failed to marshal presence row: %w", err)
		}
	}

	req, err := http.NewRequest(http.MethodPost, w.endpoint, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("clickhouse request failed with status %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// Close releases resources.
func (w *Writer) Close() error {
	return nil
}

func quoteIdent(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "`", "")
	return "`" + v + "`"
}
