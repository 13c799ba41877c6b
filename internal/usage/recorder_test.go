package usage

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	_ "modernc.org/sqlite"

	"codebridge/internal/logging"
	"codebridge/internal/store"
)

var fixedNow = time.Date(2026, 5, 4, 12, 30, 0, 0, time.UTC)

type uplink struct {
	srv *httptest.Server

	mu     sync.Mutex
	bodies []uplinkBody
}

func newUplink(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *uplink {
	t.Helper()
	u := &uplink{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body uplinkBody
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			u.mu.Lock()
			u.bodies = append(u.bodies, body)
			u.mu.Unlock()
		}
		if handler != nil {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *uplink) received() []uplinkBody {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]uplinkBody(nil), u.bodies...)
}

type testRecorder struct {
	*Recorder
	dir string
	reg *prometheus.Registry
}

func newTestRecorder(t *testing.T, mutate func(*Options)) *testRecorder {
	t.Helper()
	dir := t.TempDir()
	reg := prometheus.NewRegistry()
	opts := Options{
		DB:          store.NewDevDataDB(filepath.Join(dir, "devdata.sqlite")),
		DevDataDir:  filepath.Join(dir, "dev_data"),
		DataVersion: "0.2.0",
		Registerer:  reg,
		Now:         func() time.Time { return fixedNow },
	}
	if mutate != nil {
		mutate(&opts)
	}
	r := New(opts)
	t.Cleanup(func() { r.Close() })
	return &testRecorder{Recorder: r, dir: dir, reg: reg}
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestRecordFeatureUsage_AllSinks(t *testing.T) {
	up := newUplink(t, nil)
	r := newTestRecorder(t, func(o *Options) { o.Endpoint = up.srv.URL })
	ctx := context.Background()

	report := r.RecordFeatureUsage(ctx, "ada", "autocomplete")
	require.True(t, report.OK(), "report: %v", report.Err())
	require.Len(t, report.Results, 3)
	assert.NotEmpty(t, report.EventID)
	for _, name := range []string{SinkDatabase, SinkFile, SinkHTTP} {
		res, ok := report.Result(name)
		require.True(t, ok, name)
		assert.False(t, res.Skipped)
		assert.Equal(t, KindFeatureUsage, res.Kind)
	}

	wantBody := []uplinkBody{{Username: "ada", Feature: "autocomplete", Timestamp: "2026-05-04T12:30:00.000Z"}}
	if diff := cmp.Diff(wantBody, up.received()); diff != "" {
		t.Errorf("uplink body mismatch (-want +got):\n%s", diff)
	}

	lines := readLines(t, filepath.Join(r.dir, "dev_data", "0.2.0", "feature_usage.jsonl"))
	require.Len(t, lines, 1)
	assert.Equal(t, "ada", lines[0]["username"])
	assert.Equal(t, "autocomplete", lines[0]["feature"])
	assert.Equal(t, "2026-05-04T12:30:00.000Z", lines[0]["timestamp"])
	assert.NotEmpty(t, lines[0]["id"])

	usage := r.FeatureUsageSummary(ctx)
	assert.Equal(t, []store.FeatureCount{{Username: "ada", Feature: "autocomplete", Count: 1}}, usage)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.writes.WithLabelValues(SinkHTTP, string(KindFeatureUsage), outcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.writes.WithLabelValues(SinkDatabase, string(KindFeatureUsage), outcomeOK)))
}

func TestRecordFeatureUsage_RepeatedUpsertCounts(t *testing.T) {
	r := newTestRecorder(t, nil)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, r.RecordFeatureUsage(ctx, "ada", "chat").OK())
		}()
	}
	wg.Wait()

	usage := r.FeatureUsageSummary(ctx)
	require.Len(t, usage, 1)
	assert.Equal(t, int64(n), usage[0].Count)

	lines := readLines(t, filepath.Join(r.dir, "dev_data", "0.2.0", "feature_usage.jsonl"))
	assert.Len(t, lines, n, "every event gets its own line")
}

func TestRecordFeatureUsage_CancelledCallerStillWrites(t *testing.T) {
	up := newUplink(t, nil)
	r := newTestRecorder(t, func(o *Options) { o.Endpoint = up.srv.URL })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := r.RecordFeatureUsage(ctx, "ada", "edit")
	require.NoError(t, report.Err())

	lines := readLines(t, filepath.Join(r.dir, "dev_data", "0.2.0", "feature_usage.jsonl"))
	require.Len(t, lines, 1)
	assert.Equal(t, "edit", lines[0]["feature"])

	assert.Equal(t, []store.FeatureCount{{Username: "ada", Feature: "edit", Count: 1}},
		r.FeatureUsageSummary(context.Background()))
	assert.Len(t, up.received(), 1)
}

func TestRecordFeatureUsage_SlowEndpointTimesOut(t *testing.T) {
	up := newUplink(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	r := newTestRecorder(t, func(o *Options) {
		o.Endpoint = up.srv.URL
		o.EndpointTimeout = 50 * time.Millisecond
	})

	start := time.Now()
	report := r.RecordFeatureUsage(context.Background(), "ada", "edit")
	assert.Less(t, time.Since(start), 3*time.Second)

	res, ok := report.Result(SinkHTTP)
	require.True(t, ok)
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, context.DeadlineExceeded), "got %v", res.Err)

	var sinkErr *SinkError
	require.True(t, errors.As(res.Err, &sinkErr))
	assert.Equal(t, SinkHTTP, sinkErr.Sink)

	for _, name := range []string{SinkDatabase, SinkFile} {
		res, ok := report.Result(name)
		require.True(t, ok)
		assert.NoError(t, res.Err, name)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.writes.WithLabelValues(SinkHTTP, string(KindFeatureUsage), outcomeError)))
}

func TestRecordFeatureUsage_EndpointErrorStatus(t *testing.T) {
	up := newUplink(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	r := newTestRecorder(t, func(o *Options) { o.Endpoint = up.srv.URL })

	report := r.RecordFeatureUsage(context.Background(), "ada", "edit")
	res, ok := report.Result(SinkHTTP)
	require.True(t, ok)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "502")
	assert.Len(t, up.received(), 1, "no retry")
}

func TestRecordFeatureUsage_DatabaseFailureKeepsFileSink(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))

	r := newTestRecorder(t, func(o *Options) {
		o.DB = store.NewDevDataDB(filepath.Join(blocker, "devdata.sqlite"))
	})

	core, logs := observer.New(zapcore.WarnLevel)
	logging.SetCore(core)
	t.Cleanup(func() { logging.SetCore(nil) })

	report := r.RecordFeatureUsage(context.Background(), "ada", "edit")
	assert.False(t, report.OK())

	dbRes, ok := report.Result(SinkDatabase)
	require.True(t, ok)
	assert.Error(t, dbRes.Err)

	fileRes, ok := report.Result(SinkFile)
	require.True(t, ok)
	assert.NoError(t, fileRes.Err)

	lines := readLines(t, filepath.Join(r.dir, "dev_data", "0.2.0", "feature_usage.jsonl"))
	assert.Len(t, lines, 1)

	assert.Equal(t, 1, logs.FilterLoggerName("telemetry").FilterMessageSnippet("Sink database failed").Len())

	assert.NotNil(t, r.TokensPerDay(context.Background()))
	assert.Empty(t, r.TokensPerDay(context.Background()))
}

type panicSink struct{}

func (panicSink) Name() string                       { return "panicky" }
func (panicSink) Accepts(EventKind) bool             { return true }
func (panicSink) Write(context.Context, Event) error { panic("boom") }

func TestRecord_SinkPanicIsContained(t *testing.T) {
	r := newTestRecorder(t, nil)
	r.sinks = append(r.sinks, panicSink{})

	report := r.RecordFeatureUsage(context.Background(), "ada", "edit")
	res, ok := report.Result("panicky")
	require.True(t, ok)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "panic: boom")

	dbRes, _ := report.Result(SinkDatabase)
	assert.NoError(t, dbRes.Err)
}

func TestRecord_WholeCallBounded(t *testing.T) {
	up := newUplink(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	r := newTestRecorder(t, func(o *Options) {
		o.Endpoint = up.srv.URL
		o.EndpointTimeout = time.Minute
		o.RecordTimeout = 100 * time.Millisecond
	})

	start := time.Now()
	report := r.RecordFeatureUsage(context.Background(), "ada", "edit")
	assert.Less(t, time.Since(start), 3*time.Second)

	res, _ := report.Result(SinkHTTP)
	assert.True(t, errors.Is(res.Err, context.DeadlineExceeded), "got %v", res.Err)
}

func TestRecordTokenUsage(t *testing.T) {
	up := newUplink(t, nil)
	r := newTestRecorder(t, func(o *Options) { o.Endpoint = up.srv.URL })
	ctx := context.Background()

	report := r.RecordTokenUsage(ctx, "gpt-4o", "openai", 10, 5)
	require.True(t, report.OK())
	require.Len(t, report.Results, 1, "token events only go to the database")
	r.RecordTokenUsage(ctx, "gpt-4o", "openai", 10, 3)

	assert.Empty(t, up.received())

	wantDay := []store.DayTokens{{Day: "2026-05-04", PromptTokens: 20, GeneratedTokens: 8}}
	if diff := cmp.Diff(wantDay, r.TokensPerDay(ctx)); diff != "" {
		t.Errorf("TokensPerDay mismatch (-want +got):\n%s", diff)
	}
	wantModel := []store.ModelTokens{{Model: "gpt-4o", PromptTokens: 20, GeneratedTokens: 8}}
	if diff := cmp.Diff(wantModel, r.TokensPerModel(ctx)); diff != "" {
		t.Errorf("TokensPerModel mismatch (-want +got):\n%s", diff)
	}
}

func TestPrepare_SchemaErrorDisablesDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.sqlite")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE feature_usage (id INTEGER PRIMARY KEY, feature TEXT)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	r := newTestRecorder(t, func(o *Options) { o.DB = store.NewDevDataDB(path) })

	err = r.Prepare(context.Background())
	var schemaErr *store.SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.True(t, r.Disabled())

	report := r.RecordFeatureUsage(context.Background(), "ada", "edit")
	dbRes, ok := report.Result(SinkDatabase)
	require.True(t, ok)
	assert.True(t, dbRes.Skipped)
	fileRes, _ := report.Result(SinkFile)
	assert.NoError(t, fileRes.Err)
	assert.True(t, report.OK())

	assert.Empty(t, r.FeatureUsageSummary(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.writes.WithLabelValues(SinkDatabase, string(KindFeatureUsage), outcomeSkipped)))
}

func TestAppendDevData(t *testing.T) {
	r := newTestRecorder(t, nil)

	require.NoError(t, r.AppendDevData("chatInteraction", json.RawMessage(`{"prompt": "hi",
		"accepted": true}`)))
	require.NoError(t, r.AppendDevData("chatInteraction", json.RawMessage(`{"prompt":"again"}`)))

	lines := readLines(t, filepath.Join(r.dir, "dev_data", "0.2.0", "chatInteraction.jsonl"))
	require.Len(t, lines, 2)
	assert.Equal(t, "hi", lines[0]["prompt"])
	assert.Equal(t, true, lines[0]["accepted"])
	assert.Equal(t, "again", lines[1]["prompt"])

	for _, bad := range []string{"", "..", "../escape", `a\b`} {
		err := r.AppendDevData(bad, json.RawMessage(`{}`))
		assert.ErrorIs(t, err, ErrInvalidLogName, bad)
	}
}

func TestEvent_Immutable(t *testing.T) {
	attrs := map[string]any{AttrFeature: "edit"}
	ev := NewEvent(KindFeatureUsage, attrs, fixedNow)

	attrs[AttrFeature] = "changed"
	out := ev.Attributes()
	out[AttrFeature] = "changed again"

	assert.Equal(t, "edit", ev.StringAttr(AttrFeature))
	assert.NotEmpty(t, ev.ID())
	assert.NotEqual(t, ev.ID(), NewEvent(KindFeatureUsage, nil, fixedNow).ID())
}

func TestResolveUsername(t *testing.T) {
	origGit, origOS := gitUserName, osUserName
	t.Cleanup(func() { gitUserName, osUserName = origGit, origOS })

	gitUserName = func(context.Context) (string, error) { return "Git User\n", nil }
	osUserName = func() (string, error) { return "osuser", nil }
	ctx := context.Background()

	assert.Equal(t, "configured", ResolveUsername(ctx, " configured "))
	assert.Equal(t, "Git User", ResolveUsername(ctx, ""))

	gitUserName = func(context.Context) (string, error) { return "", errors.New("no git") }
	assert.Equal(t, "osuser", ResolveUsername(ctx, ""))

	osUserName = func() (string, error) { return "", io.ErrUnexpectedEOF }
	assert.Equal(t, AnonymousUser, ResolveUsername(ctx, ""))
}
