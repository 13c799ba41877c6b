package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codebridge/internal/store"
)

// Sink names, used in reports, logs, and metric labels.
const (
	SinkDatabase = "database"
	SinkFile     = "file"
	SinkHTTP     = "http"
)

// isoMillis matches the millisecond ISO-8601 stamps the aggregation endpoint
// expects.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// Sink is one destination for telemetry events.
type Sink interface {
	Name() string
	Accepts(kind EventKind) bool
	Write(ctx context.Context, ev Event) error
}

// dbSink writes both event kinds to the dev-data database.
type dbSink struct {
	db *store.DevDataDB
}

func (s *dbSink) Name() string { return SinkDatabase }

func (s *dbSink) Accepts(kind EventKind) bool {
	return kind == KindTokensGenerated || kind == KindFeatureUsage
}

func (s *dbSink) Write(ctx context.Context, ev Event) error {
	switch ev.Kind() {
	case KindTokensGenerated:
		return s.db.LogTokensGenerated(ctx,
			ev.StringAttr(AttrModel), ev.StringAttr(AttrProvider),
			ev.IntAttr(AttrPromptTokens), ev.IntAttr(AttrGeneratedTokens),
			ev.OccurredAt())
	case KindFeatureUsage:
		return s.db.UpsertFeatureUsage(ctx, ev.StringAttr(AttrUsername), ev.StringAttr(AttrFeature), ev.OccurredAt())
	}
	return fmt.Errorf("unsupported event kind %q", ev.Kind())
}

// devDataLog appends JSON lines to files under <dir>/<version>/. One mutex
// per file keeps concurrent appends from interleaving.
type devDataLog struct {
	dir     string
	version string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newDevDataLog(dir, version string) *devDataLog {
	return &devDataLog{dir: dir, version: version, locks: make(map[string]*sync.Mutex)}
}

func (l *devDataLog) path(name string) string {
	return filepath.Join(l.dir, l.version, name+".jsonl")
}

func (l *devDataLog) lock(path string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[path]
	if !ok {
		m = &sync.Mutex{}
		l.locks[path] = m
	}
	return m
}

// Append writes record as one line to <name>.jsonl.
func (l *devDataLog) Append(name string, record any) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", name, err)
	}
	line = append(line, '\n')

	path := l.path(name)
	m := l.lock(path)
	m.Lock()
	defer m.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dev data dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	return f.Close()
}

// featureRecord is the JSON-lines shape of a feature-usage event.
type featureRecord struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Feature   string `json:"feature"`
	Timestamp string `json:"timestamp"`
}

// fileSink appends feature-usage events to feature_usage.jsonl.
type fileSink struct {
	log *devDataLog
}

func (s *fileSink) Name() string                { return SinkFile }
func (s *fileSink) Accepts(kind EventKind) bool { return kind == KindFeatureUsage }

func (s *fileSink) Write(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.log.Append(string(KindFeatureUsage), featureRecord{
		ID:        ev.ID(),
		Username:  ev.StringAttr(AttrUsername),
		Feature:   ev.StringAttr(AttrFeature),
		Timestamp: ev.OccurredAt().Format(isoMillis),
	})
}

// uplinkBody is the POST body sent to the aggregation endpoint.
type uplinkBody struct {
	Username  string `json:"username"`
	Feature   string `json:"feature"`
	Timestamp string `json:"timestamp"`
}

// httpSink posts feature-usage events to a remote endpoint. No retry.
type httpSink struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
}

func (s *httpSink) Name() string                { return SinkHTTP }
func (s *httpSink) Accepts(kind EventKind) bool { return kind == KindFeatureUsage }

func (s *httpSink) Write(ctx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body, err := json.Marshal(uplinkBody{
		Username:  ev.StringAttr(AttrUsername),
		Feature:   ev.StringAttr(AttrFeature),
		Timestamp: ev.OccurredAt().Format(isoMillis),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", s.endpoint, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s: unexpected status %s", s.endpoint, resp.Status)
	}
	return nil
}
