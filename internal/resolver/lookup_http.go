package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// HTTPConfig configures the HTTP lookup.
type HTTPConfig struct {
	BaseURL    string
	TagPath    string
	EntityPath string
	Timeout    time.Duration
	Headers    map[string]string
}

// HTTPLookup calls the backend REST endpoints for classification and entity fetch.
type HTTPLookup struct {
	base       string
	tagPath    string
	entityPath string
	headers    map[string]string
	client     *http.Client
}

// NewHTTPLookup creates an HTTP lookup.
func NewHTTPLookup(cfg HTTPConfig) (*HTTPLookup, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("lookup base URL is empty")
	}
	if cfg.TagPath == "" {
		cfg.TagPath = "/tags/{value}/value"
	}
	if cfg.EntityPath == "" {
		cfg.EntityPath = "/customers/{value}"
	}
	for _, p := range []string{cfg.TagPath, cfg.EntityPath} {
		if !strings.Contains(p, "{value}") {
			return nil, fmt.Errorf("lookup path %q has no {value} placeholder", p)
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPLookup{
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		tagPath:    cfg.TagPath,
		entityPath: cfg.EntityPath,
		headers:    cfg.Headers,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

// ClassifyTag resolves the type and value behind a tag key.
func (l *HTTPLookup) ClassifyTag(ctx context.Context, key string) (TagValue, error) {
	body, err := l.get(ctx, l.tagPath, key)
	if err != nil {
		return TagValue{}, err
	}

	var resp struct {
		TagType  string    `json:"tagType"`
		TagValue string    `json:"tagValue"`
		Data     *TagValue `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return TagValue{}, fmt.Errorf("decode tag value: %w", err)
	}
	if resp.Data != nil {
		return *resp.Data, nil
	}
	if resp.TagType == "" && resp.TagValue == "" {
		return TagValue{}, fmt.Errorf("decode tag value: empty response")
	}
	return TagValue{TagType: resp.TagType, TagValue: resp.TagValue}, nil
}

// FetchEntity fetches the raw entity record.
func (l *HTTPLookup) FetchEntity(ctx context.Context, value string) (map[string]interface{}, error) {
	body, err := l.get(ctx, l.entityPath, value)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	if resp.Data == nil {
		return nil, ErrNotFound
	}
	return resp.Data, nil
}

func (l *HTTPLookup) get(ctx context.Context, pathTemplate, value string) ([]byte, error) {
	endpoint := l.base + strings.ReplaceAll(pathTemplate, "{value}", url.PathEscape(value))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range l.headers {
		req.Header.Set(k, v)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http request failed with status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}
