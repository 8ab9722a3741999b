package replay

import (
	"context"
	"fmt"
	"os"

	"presencetrack/internal/output/presencejson"
	"presencetrack/pkg/models"
)

// RunFile replays the capture at input and writes the event timeline to output as JSON lines,
// replacing any existing file.
func RunFile(ctx context.Context, input, output string, res EntityResolver, cfg Config) (Summary, error) {
	f, err := os.Open(input)
	if err != nil {
		return Summary{}, fmt.Errorf("open capture: %w", err)
	}
	payloads, err := LoadCapture(f)
	f.Close()
	if err != nil {
		return Summary{}, err
	}

	w, err := presencejson.CreateWriter(output)
	if err != nil {
		return Summary{}, err
	}
	sum, runErr := Run(ctx, payloads, res, cfg, func(ev models.PresenceEvent) error {
		return w.WriteEvents([]*models.PresenceEvent{&ev})
	})
	if err := w.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close timeline: %w", err)
	}
	return sum, runErr
}

// String renders the summary as a single line.
func (s Summary) String() string {
	return fmt.Sprintf("replayed payloads=%d malformed=%d filtered=%d lookup_failed=%d appeared=%d refreshed=%d evicted=%d peak=%d span=%s",
		s.Payloads, s.Malformed, s.Filtered, s.LookupFailed, s.Appeared, s.Refreshed, s.Evicted, s.PeakPresent, s.Span)
}
