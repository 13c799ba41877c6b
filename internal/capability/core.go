package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"codebridge/internal/protocol"
)

// Core operations.
var (
	OpTrackFeatureUsages = newOp[TrackFeatureRequest, TrackResult](KindTrackFeatureUsages)
	OpLogTokensGenerated = newOp[TokensGeneratedRequest, TrackResult](KindLogTokensGenerated)
	OpGetTokensPerDay    = newOp[None, []DayTokens](KindGetTokensPerDay)
	OpGetTokensPerModel  = newOp[None, []ModelTokens](KindGetTokensPerModel)
	OpGetFeatureUsage    = newOp[None, []FeatureUsage](KindGetFeatureUsage)
	OpDevDataLog         = newNoteOp[DevDataRequest](KindDevDataLog)
	OpPing               = newOp[string, string](KindPing)
)

// CoreHandlers is implemented by the core.
type CoreHandlers interface {
	TrackFeatureUsage(ctx context.Context, req TrackFeatureRequest) (TrackResult, error)
	LogTokensGenerated(ctx context.Context, req TokensGeneratedRequest) (TrackResult, error)
	TokensPerDay(ctx context.Context) ([]DayTokens, error)
	TokensPerModel(ctx context.Context) ([]ModelTokens, error)
	FeatureUsage(ctx context.Context) ([]FeatureUsage, error)
	LogDevData(ctx context.Context, req DevDataRequest)
	ActiveEditorChanged(ctx context.Context, path string)
}

// RegisterCore binds every core operation in reg to h. ping is answered with
// "pong".
func RegisterCore(reg *protocol.Registry, h CoreHandlers) error {
	return errors.Join(
		Handle(reg, OpTrackFeatureUsages, h.TrackFeatureUsage),
		Handle(reg, OpLogTokensGenerated, h.LogTokensGenerated),
		Handle(reg, OpGetTokensPerDay, func(ctx context.Context, _ None) ([]DayTokens, error) {
			return h.TokensPerDay(ctx)
		}),
		Handle(reg, OpGetTokensPerModel, func(ctx context.Context, _ None) ([]ModelTokens, error) {
			return h.TokensPerModel(ctx)
		}),
		Handle(reg, OpGetFeatureUsage, func(ctx context.Context, _ None) ([]FeatureUsage, error) {
			return h.FeatureUsage(ctx)
		}),
		HandleNote(reg, OpDevDataLog, h.LogDevData),
		HandleNote(reg, OpDidChangeActiveTextEditor, func(ctx context.Context, r FilepathRequest) {
			h.ActiveEditorChanged(ctx, r.Filepath)
		}),
		Handle(reg, OpPing, func(ctx context.Context, _ string) (string, error) {
			return "pong", nil
		}),
	)
}

// CoreClient is the webview's typed client for core operations.
type CoreClient struct {
	c Caller
}

func NewCoreClient(c Caller) *CoreClient {
	return &CoreClient{c: c}
}

// TrackFeatureUsage counts one use of feature. An empty username lets the
// core resolve it.
func (cc *CoreClient) TrackFeatureUsage(ctx context.Context, feature, username string) (TrackResult, error) {
	return Invoke(ctx, cc.c, OpTrackFeatureUsages, TrackFeatureRequest{Feature: feature, Username: username})
}

func (cc *CoreClient) LogTokensGenerated(ctx context.Context, req TokensGeneratedRequest) (TrackResult, error) {
	return Invoke(ctx, cc.c, OpLogTokensGenerated, req)
}

func (cc *CoreClient) TokensPerDay(ctx context.Context) ([]DayTokens, error) {
	return Invoke(ctx, cc.c, OpGetTokensPerDay, None{})
}

func (cc *CoreClient) TokensPerModel(ctx context.Context) ([]ModelTokens, error) {
	return Invoke(ctx, cc.c, OpGetTokensPerModel, None{})
}

func (cc *CoreClient) FeatureUsage(ctx context.Context) ([]FeatureUsage, error) {
	return Invoke(ctx, cc.c, OpGetFeatureUsage, None{})
}

// LogDevData appends data to the named dev-data log. Fire and forget.
func (cc *CoreClient) LogDevData(ctx context.Context, name string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal dev data: %w", err)
	}
	return Send(ctx, cc.c, OpDevDataLog, DevDataRequest{Name: name, Data: raw})
}

func (cc *CoreClient) Ping(ctx context.Context) (string, error) {
	return Invoke(ctx, cc.c, OpPing, "ping")
}
