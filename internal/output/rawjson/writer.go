package rawjson

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"

	"presencetrack/internal/logger"
	"presencetrack/pkg/models"
)

// Writer appends raw payloads to a JSON lines capture file.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
}

// NewWriter opens path for appending.
func NewWriter(path string) (*Writer, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create capture directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	logger.Infof("Raw capture writer initialized: %s", path)
	return &Writer{file: f, buf: bufio.NewWriter(f)}, nil
}

// WriteRawPayloads writes one line per payload. Payloads that are not valid JSON
// are stored as JSON strings so the capture stays line-decodable.
func (w *Writer) WriteRawPayloads(payloads []models.RawPayload) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("writer is closed")
	}
	for _, p := range payloads {
		p.ReceivedAt = p.ReceivedAt.UTC()
		p.Payload = asJSON(p.Payload)
		line, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to encode capture record: %w", err)
		}
		if _, err := w.buf.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return w.buf.Flush()
}

// Close flushes and closes the capture file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	flushErr := w.buf.Flush()
	err := w.file.Close()
	w.file = nil
	if flushErr != nil {
		return flushErr
	}
	return err
}

func asJSON(b []byte) []byte {
	if json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
