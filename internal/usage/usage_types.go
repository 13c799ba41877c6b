package usage

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// EventKind names the telemetry stream an event belongs to.
type EventKind string

const (
	KindTokensGenerated EventKind = "tokens_generated"
	KindFeatureUsage    EventKind = "feature_usage"
)

// Attribute keys.
const (
	AttrModel           = "model"
	AttrProvider        = "provider"
	AttrPromptTokens    = "prompt_tokens"
	AttrGeneratedTokens = "generated_tokens"
	AttrUsername        = "username"
	AttrFeature         = "feature"
)

// Event is one immutable telemetry record. Attributes are copied in and out,
// so a caller cannot change an event after it was built.
type Event struct {
	id         string
	kind       EventKind
	attrs      map[string]any
	occurredAt time.Time
}

// NewEvent builds an event with a fresh id.
func NewEvent(kind EventKind, attrs map[string]any, occurredAt time.Time) Event {
	return Event{
		id:         uuid.NewString(),
		kind:       kind,
		attrs:      maps.Clone(attrs),
		occurredAt: occurredAt.UTC(),
	}
}

func (e Event) ID() string            { return e.id }
func (e Event) Kind() EventKind       { return e.kind }
func (e Event) OccurredAt() time.Time { return e.occurredAt }

// Attributes returns a copy of the event attributes.
func (e Event) Attributes() map[string]any {
	return maps.Clone(e.attrs)
}

// StringAttr returns a string attribute, or "" when absent.
func (e Event) StringAttr(key string) string {
	s, _ := e.attrs[key].(string)
	return s
}

// IntAttr returns an integer attribute, or 0 when absent.
func (e Event) IntAttr(key string) int64 {
	switch v := e.attrs[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// SinkError is a failure of one sink for one event.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string { return fmt.Sprintf("%s sink: %v", e.Sink, e.Err) }
func (e *SinkError) Unwrap() error { return e.Err }

// SinkResult is the outcome of one sink for one record call.
type SinkResult struct {
	Sink     string
	Kind     EventKind
	Skipped  bool
	Err      error
	Duration time.Duration
}

// Report collects the sink results of one record call.
type Report struct {
	EventID string
	Results []SinkResult
}

// OK reports whether no sink failed.
func (r Report) OK() bool {
	for _, res := range r.Results {
		if res.Err != nil {
			return false
		}
	}
	return true
}

// Err joins every sink failure, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

// Result returns the result for the named sink.
func (r Report) Result(sink string) (SinkResult, bool) {
	for _, res := range r.Results {
		if res.Sink == sink {
			return res, true
		}
	}
	return SinkResult{}, false
}
