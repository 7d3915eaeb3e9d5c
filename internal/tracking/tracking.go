package tracking

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// Event kinds emitted by the training loop.
const (
	EventRunStarted      = "run_started"
	EventEpochCompleted  = "epoch_completed"
	EventCheckpointSaved = "checkpoint_saved"
	EventRunCompleted    = "run_completed"
	EventRunFailed       = "run_failed"
)

// Event is one structured experiment-tracking record, keyed by project and
// experiment name.
type Event struct {
	Project    string             `json:"project"`
	Experiment string             `json:"experiment"`
	RunID      string             `json:"run_id"`
	Kind       string             `json:"kind"`
	Epoch      int                `json:"epoch,omitempty"`
	Step       int64              `json:"step,omitempty"`
	Fields     map[string]float64 `json:"fields,omitempty"`
	Time       time.Time          `json:"time"`
}

// Tracker receives training events. Implementations must never fail the
// training run: delivery problems are logged and dropped.
type Tracker interface {
	Emit(ctx context.Context, ev Event)
}

// Noop discards all events. Used when logging is disabled.
type Noop struct{}

func (Noop) Emit(context.Context, Event) {}

// Multi fans an event out to every tracker in order.
type Multi []Tracker

func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, t := range m {
		t.Emit(ctx, ev)
	}
}

// HTTPTracker posts events to an experiment-tracking endpoint.
type HTTPTracker struct {
	client *resty.Client
}

func NewHTTPTracker(baseURL string) *HTTPTracker {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(2)
	return &HTTPTracker{client: client}
}

func (t *HTTPTracker) Emit(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(ev).
		Post("/events")
	if err != nil {
		slog.Warn("failed to emit tracking event", "kind", ev.Kind, "run_id", ev.RunID, "error", err)
		return
	}
	if resp.IsError() {
		slog.Warn("tracking endpoint rejected event", "kind", ev.Kind, "run_id", ev.RunID, "status", resp.StatusCode())
	}
}

// NewTracker returns an HTTP tracker when enabled and an endpoint is
// configured, a no-op tracker otherwise.
func NewTracker(enabled bool, baseURL string) Tracker {
	if !enabled || baseURL == "" {
		return Noop{}
	}
	return NewHTTPTracker(baseURL)
}
