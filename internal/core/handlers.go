package core

import (
	"context"
	"strings"
	"sync"

	"codebridge/internal/capability"
	"codebridge/internal/logging"
	"codebridge/internal/store"
	"codebridge/internal/usage"
)

// handlers implements capability.CoreHandlers on top of the usage recorder.
type handlers struct {
	recorder *usage.Recorder
	username func(ctx context.Context) string

	mu     sync.Mutex
	editor string
}

var _ capability.CoreHandlers = (*handlers)(nil)

// NewHandlers returns the core operations backed by rec without any router,
// for in-process callers such as the CLI. A nil rec answers with empty data.
func NewHandlers(rec *usage.Recorder, username string) capability.CoreHandlers {
	return newHandlers(rec, username)
}

// resolveUsername is replaced in tests.
var resolveUsername = usage.ResolveUsername

func newHandlers(rec *usage.Recorder, configured string) *handlers {
	var (
		once     sync.Once
		resolved string
	)
	return &handlers{
		recorder: rec,
		username: func(ctx context.Context) string {
			// The result is cached for the process, so a cancelled first
			// request must not cut the git lookup short.
			once.Do(func() { resolved = resolveUsername(context.WithoutCancel(ctx), configured) })
			return resolved
		},
	}
}

func trackResult(report usage.Report) capability.TrackResult {
	res := capability.TrackResult{EventID: report.EventID, Sinks: make([]capability.SinkStatus, 0, len(report.Results))}
	for _, r := range report.Results {
		status := capability.SinkStatus{Sink: r.Sink, OK: r.Err == nil, Skipped: r.Skipped}
		if r.Err != nil {
			status.Error = r.Err.Error()
		}
		res.Sinks = append(res.Sinks, status)
	}
	return res
}

func (h *handlers) TrackFeatureUsage(ctx context.Context, req capability.TrackFeatureRequest) (capability.TrackResult, error) {
	if h.recorder == nil {
		return capability.TrackResult{Sinks: []capability.SinkStatus{}}, nil
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		username = h.username(ctx)
	}
	return trackResult(h.recorder.RecordFeatureUsage(ctx, username, req.Feature)), nil
}

func (h *handlers) LogTokensGenerated(ctx context.Context, req capability.TokensGeneratedRequest) (capability.TrackResult, error) {
	if h.recorder == nil {
		return capability.TrackResult{Sinks: []capability.SinkStatus{}}, nil
	}
	report := h.recorder.RecordTokenUsage(ctx, req.Model, req.Provider, req.PromptTokens, req.GeneratedTokens)
	return trackResult(report), nil
}

func (h *handlers) TokensPerDay(ctx context.Context) ([]capability.DayTokens, error) {
	if h.recorder == nil {
		return []capability.DayTokens{}, nil
	}
	rows := h.recorder.TokensPerDay(ctx)
	out := make([]capability.DayTokens, len(rows))
	for i, r := range rows {
		out[i] = capability.DayTokens(r)
	}
	return out, nil
}

func (h *handlers) TokensPerModel(ctx context.Context) ([]capability.ModelTokens, error) {
	if h.recorder == nil {
		return []capability.ModelTokens{}, nil
	}
	rows := h.recorder.TokensPerModel(ctx)
	out := make([]capability.ModelTokens, len(rows))
	for i, r := range rows {
		out[i] = capability.ModelTokens(r)
	}
	return out, nil
}

func (h *handlers) FeatureUsage(ctx context.Context) ([]capability.FeatureUsage, error) {
	if h.recorder == nil {
		return []capability.FeatureUsage{}, nil
	}
	return featureUsage(h.recorder.FeatureUsageSummary(ctx)), nil
}

func featureUsage(rows []store.FeatureCount) []capability.FeatureUsage {
	out := make([]capability.FeatureUsage, len(rows))
	for i, r := range rows {
		out[i] = capability.FeatureUsage(r)
	}
	return out
}

func (h *handlers) LogDevData(ctx context.Context, req capability.DevDataRequest) {
	if h.recorder == nil {
		return
	}
	if err := h.recorder.AppendDevData(req.Name, req.Data); err != nil {
		logging.TelemetryWarn("Dev data %q dropped: %v", req.Name, err)
	}
}

func (h *handlers) ActiveEditorChanged(ctx context.Context, path string) {
	h.mu.Lock()
	h.editor = path
	h.mu.Unlock()
	logging.Get(logging.CategoryCapability).Debug("Active editor: %s", path)
}

func (h *handlers) activeEditor() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.editor
}
