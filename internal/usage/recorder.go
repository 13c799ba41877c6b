// Package usage records token and feature-usage telemetry. Every event fans
// out to independent sinks: the dev-data database, a local JSON-lines log, and
// an optional remote endpoint. Sink failures are reported, never returned.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"codebridge/internal/config"
	"codebridge/internal/logging"
	"codebridge/internal/store"
)

// Defaults used when Options leaves a budget unset.
const (
	DefaultEndpointTimeout = 10 * time.Second
	DefaultRecordTimeout   = 15 * time.Second
)

// ErrInvalidLogName is returned by AppendDevData for names that are not a
// plain file stem.
var ErrInvalidLogName = errors.New("invalid dev data log name")

// Options configures a Recorder.
type Options struct {
	DB          *store.DevDataDB
	DevDataDir  string
	DataVersion string

	// Endpoint receives feature-usage events. Empty disables the uplink.
	Endpoint        string
	EndpointTimeout time.Duration
	HTTPClient      *http.Client

	// RecordTimeout bounds one record call across all sinks.
	RecordTimeout time.Duration

	// Registerer receives the sink metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer

	Now func() time.Time
}

// OptionsFromConfig maps telemetry configuration onto recorder options.
func OptionsFromConfig(cfg config.TelemetryConfig, reg prometheus.Registerer) Options {
	return Options{
		DB:              store.NewDevDataDB(cfg.DatabasePath),
		DevDataDir:      cfg.DevDataDir,
		DataVersion:     cfg.DataVersion,
		Endpoint:        cfg.Endpoint,
		EndpointTimeout: cfg.GetEndpointTimeout(),
		RecordTimeout:   cfg.GetRecordTimeout(),
		Registerer:      reg,
	}
}

// Recorder writes telemetry events to its sinks.
type Recorder struct {
	db            *store.DevDataDB
	log           *devDataLog
	sinks         []Sink
	recordTimeout time.Duration
	now           func() time.Time
	metrics       *metrics

	disabled atomic.Bool
}

// New builds a Recorder. Nothing touches disk until the first event or
// Prepare.
func New(opts Options) *Recorder {
	if opts.EndpointTimeout <= 0 {
		opts.EndpointTimeout = DefaultEndpointTimeout
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = DefaultRecordTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Recorder{
		db:            opts.DB,
		recordTimeout: opts.RecordTimeout,
		now:           opts.Now,
		metrics:       newMetrics(opts.Registerer),
	}
	if opts.DB != nil {
		r.sinks = append(r.sinks, &dbSink{db: opts.DB})
	}
	if opts.DevDataDir != "" {
		r.log = newDevDataLog(opts.DevDataDir, opts.DataVersion)
		r.sinks = append(r.sinks, &fileSink{log: r.log})
	}
	if opts.Endpoint != "" {
		r.sinks = append(r.sinks, &httpSink{
			endpoint: opts.Endpoint,
			client:   opts.HTTPClient,
			timeout:  opts.EndpointTimeout,
		})
	}
	return r
}

// Prepare opens the database and runs migrations. A schema failure disables
// the database sink and the aggregates; the other sinks keep working.
func (r *Recorder) Prepare(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	if _, err := r.db.DB(ctx); err != nil {
		var schemaErr *store.SchemaError
		if errors.As(err, &schemaErr) {
			r.disabled.Store(true)
			logging.Get(logging.CategoryTelemetry).Error("Telemetry database disabled: %v", err)
		}
		return err
	}
	return nil
}

// Disabled reports whether a schema failure switched the database off.
func (r *Recorder) Disabled() bool { return r.disabled.Load() }

// Close releases the database handle.
func (r *Recorder) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// RecordTokenUsage records one generation. Duplicates are acceptable.
func (r *Recorder) RecordTokenUsage(ctx context.Context, model, provider string, promptTokens, generatedTokens int64) Report {
	return r.Record(ctx, NewEvent(KindTokensGenerated, map[string]any{
		AttrModel:           model,
		AttrProvider:        provider,
		AttrPromptTokens:    promptTokens,
		AttrGeneratedTokens: generatedTokens,
	}, r.now()))
}

// RecordFeatureUsage counts one use of feature by username.
func (r *Recorder) RecordFeatureUsage(ctx context.Context, username, feature string) Report {
	return r.Record(ctx, NewEvent(KindFeatureUsage, map[string]any{
		AttrUsername: username,
		AttrFeature:  feature,
	}, r.now()))
}

// Record fans ev out to every sink that accepts its kind. Sinks run
// concurrently, each behind its own recover, and the whole call is bounded by
// the record timeout. Cancelling ctx does not stop the writes; only the
// record timeout does.
func (r *Recorder) Record(ctx context.Context, ev Event) Report {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.recordTimeout)
	defer cancel()

	var sinks []Sink
	for _, s := range r.sinks {
		if s.Accepts(ev.Kind()) {
			sinks = append(sinks, s)
		}
	}

	report := Report{EventID: ev.ID(), Results: make([]SinkResult, len(sinks))}
	var g errgroup.Group
	for i, s := range sinks {
		g.Go(func() error {
			report.Results[i] = r.write(ctx, s, ev)
			return nil
		})
	}
	g.Wait()

	logging.TelemetryDebug("Recorded %s event %s (sinks=%d ok=%v)", ev.Kind(), ev.ID(), len(report.Results), report.OK())
	return report
}

func (r *Recorder) write(ctx context.Context, s Sink, ev Event) (res SinkResult) {
	res = SinkResult{Sink: s.Name(), Kind: ev.Kind()}
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			res.Err = &SinkError{Sink: s.Name(), Err: fmt.Errorf("panic: %v", p)}
		}
		res.Duration = time.Since(start)
		if res.Err != nil {
			logging.TelemetryWarn("Sink %s failed for %s event %s: %v", res.Sink, ev.Kind(), ev.ID(), res.Err)
		}
		r.metrics.observe(res)
	}()

	if s.Name() == SinkDatabase && r.Disabled() {
		res.Skipped = true
		return res
	}
	if err := s.Write(ctx, ev); err != nil {
		res.Err = &SinkError{Sink: s.Name(), Err: err}
		var schemaErr *store.SchemaError
		if errors.As(err, &schemaErr) && r.disabled.CompareAndSwap(false, true) {
			logging.Get(logging.CategoryTelemetry).Error("Telemetry database disabled: %v", err)
		}
	}
	return res
}

// TokensPerDay returns daily token totals. Failures yield an empty slice.
func (r *Recorder) TokensPerDay(ctx context.Context) []store.DayTokens {
	return aggregate(ctx, r, "tokens per day", (*store.DevDataDB).TokensPerDay)
}

// TokensPerModel returns per-model token totals. Failures yield an empty slice.
func (r *Recorder) TokensPerModel(ctx context.Context) []store.ModelTokens {
	return aggregate(ctx, r, "tokens per model", (*store.DevDataDB).TokensPerModel)
}

// FeatureUsageSummary returns per-user feature counts, most used first.
// Failures yield an empty slice.
func (r *Recorder) FeatureUsageSummary(ctx context.Context) []store.FeatureCount {
	return aggregate(ctx, r, "feature usage", (*store.DevDataDB).FeatureUsage)
}

func aggregate[T any](ctx context.Context, r *Recorder, what string, query func(*store.DevDataDB, context.Context) ([]T, error)) []T {
	if r.db == nil || r.Disabled() {
		return []T{}
	}
	rows, err := query(r.db, ctx)
	if err != nil {
		logging.TelemetryWarn("Query %s failed: %v", what, err)
		return []T{}
	}
	return rows
}

// AppendDevData appends data as one line of <dev_data_dir>/<version>/<name>.jsonl.
func (r *Recorder) AppendDevData(name string, data json.RawMessage) error {
	if r.log == nil {
		return nil
	}
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidLogName, name)
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return r.log.Append(name, data)
}
