// Package socket implements a sighting source over a persistent websocket connection.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"presencetrack/internal/logger"
	"presencetrack/internal/source"
	"presencetrack/pkg/models"
)

// Config configures the websocket source.
type Config struct {
	URL               string
	EventName         string
	DeviceID          string
	DeviceToken       string
	DeviceIDHeader    string
	DeviceTokenHeader string
	HandshakeTimeout  time.Duration
	PingInterval      time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration

	// OnRaw observes every payload of the configured event before decoding.
	OnRaw source.RawObserver
	// OnMalformed is called for each payload dropped at the decode boundary.
	OnMalformed func(err error)
}

// Source reads sighting events from one websocket endpoint, reconnecting on loss.
type Source struct {
	cfg     Config
	dialer  *websocket.Dialer
	headers http.Header

	mu     sync.Mutex
	conn   *websocket.Conn
	closed chan struct{}
	once   sync.Once
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// New creates a websocket source.
func New(cfg Config) (*Source, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("socket url is required")
	}
	if cfg.EventName == "" {
		cfg.EventName = "tag_detected"
	}
	if cfg.DeviceIDHeader == "" {
		cfg.DeviceIDHeader = "X-Device-Id"
	}
	if cfg.DeviceTokenHeader == "" {
		cfg.DeviceTokenHeader = "X-Device-Token"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
		if cfg.ReconnectMax < cfg.ReconnectMin {
			cfg.ReconnectMax = cfg.ReconnectMin
		}
	}

	headers := http.Header{}
	if cfg.DeviceID != "" {
		headers.Set(cfg.DeviceIDHeader, cfg.DeviceID)
	}
	if cfg.DeviceToken != "" {
		headers.Set(cfg.DeviceTokenHeader, cfg.DeviceToken)
	}

	return &Source{
		cfg:     cfg,
		dialer:  &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: cfg.HandshakeTimeout},
		headers: headers,
		closed:  make(chan struct{}),
	}, nil
}

// Run connects and delivers sightings until ctx is done or Close is called.
func (s *Source) Run(ctx context.Context, sightings chan<- models.Sighting, status chan<- source.Status) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	backoff := s.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			return s.exitErr(ctx)
		}

		conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, s.headers)
		if err != nil {
			if ctx.Err() != nil {
				return s.exitErr(ctx)
			}
			if resp != nil {
				err = fmt.Errorf("%w (status %s)", err, resp.Status)
			}
			logger.Warnf("Socket dial %s failed: %v (retry in %s)", s.cfg.URL, err, backoff)
			source.Notify(status, source.Status{Condition: source.TransportError, Reason: err})
			if !sleep(ctx, backoff) {
				return s.exitErr(ctx)
			}
			backoff = nextBackoff(backoff, s.cfg.ReconnectMax)
			continue
		}

		backoff = s.cfg.ReconnectMin
		logger.Infof("Socket connected: %s", s.cfg.URL)
		source.Notify(status, source.Status{Condition: source.Connected})

		err = s.serve(ctx, conn, sightings)
		source.Notify(status, source.Status{Condition: source.Disconnected, Reason: err})
		if ctx.Err() != nil {
			return s.exitErr(ctx)
		}
		logger.Warnf("Socket disconnected: %v (reconnect in %s)", err, backoff)
		if !sleep(ctx, backoff) {
			return s.exitErr(ctx)
		}
	}
}

// Close stops Run and closes the active connection.
func (s *Source) Close() error {
	s.once.Do(func() { close(s.closed) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

func (s *Source) exitErr(ctx context.Context) error {
	select {
	case <-s.closed:
		return nil
	default:
		return ctx.Err()
	}
}

func (s *Source) serve(ctx context.Context, conn *websocket.Conn, sightings chan<- models.Sighting) error {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	if s.cfg.PingInterval > 0 {
		readWait := 2 * s.cfg.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readWait))
		})
		go s.pingLoop(conn, done)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if s.cfg.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))
		}

		sighting, ok := s.handleFrame(data)
		if !ok {
			continue
		}
		select {
		case sightings <- sighting:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Source) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.PingInterval)); err != nil {
				logger.Debugf("Socket ping failed: %v", err)
				return
			}
		}
	}
}

// handleFrame extracts the sighting payload of the configured event from a frame.
func (s *Source) handleFrame(frame []byte) (models.Sighting, bool) {
	name, payload, err := splitFrame(frame)
	if err != nil {
		s.malformed(err)
		return models.Sighting{}, false
	}
	if name != s.cfg.EventName {
		return models.Sighting{}, false
	}
	if s.cfg.OnRaw != nil {
		s.cfg.OnRaw(payload, time.Now())
	}

	sighting, err := source.DecodeSighting(payload)
	if err != nil {
		s.malformed(err)
		return models.Sighting{}, false
	}
	return sighting, true
}

func (s *Source) malformed(err error) {
	logger.Warnf("Dropping socket payload: %v", err)
	if s.cfg.OnMalformed != nil {
		s.cfg.OnMalformed(err)
	}
}

// splitFrame accepts {"event": name, "data": payload} and [name, payload].
func splitFrame(frame []byte) (string, []byte, error) {
	trimmed := strings.TrimSpace(string(frame))
	if strings.HasPrefix(trimmed, "[") {
		var parts []json.RawMessage
		if err := json.Unmarshal(frame, &parts); err != nil {
			return "", nil, fmt.Errorf("%w: %v", source.ErrMalformedPayload, err)
		}
		if len(parts) < 2 {
			return "", nil, fmt.Errorf("%w: event array needs name and payload", source.ErrMalformedPayload)
		}
		var name string
		if err := json.Unmarshal(parts[0], &name); err != nil {
			return "", nil, fmt.Errorf("%w: event name: %v", source.ErrMalformedPayload, err)
		}
		return name, parts[1], nil
	}

	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", source.ErrMalformedPayload, err)
	}
	if env.Event == "" {
		return "", nil, errors.Join(source.ErrMalformedPayload, errors.New("missing event name"))
	}
	return env.Event, env.Data, nil
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
