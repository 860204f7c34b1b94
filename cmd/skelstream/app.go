package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/logflow/skelstream/pkg/config"
	"github.com/logflow/skelstream/pkg/conformance"
	"github.com/logflow/skelstream/pkg/defaults/auth"
	"github.com/logflow/skelstream/pkg/defaults/metrics"
	"github.com/logflow/skelstream/pkg/errors"
	"github.com/logflow/skelstream/pkg/interfaces"
	"github.com/logflow/skelstream/pkg/lifecycle"
	"github.com/logflow/skelstream/pkg/report"
	"github.com/logflow/skelstream/pkg/resilience"
	"github.com/logflow/skelstream/pkg/server"
	"github.com/logflow/skelstream/pkg/skeleton"
	"github.com/logflow/skelstream/pkg/sources"
	"github.com/logflow/skelstream/pkg/telemetry"
)

// Metric exporter choices for --metrics.
const (
	metricsAuto       = "auto"
	metricsNone       = "none"
	metricsLog        = "log"
	metricsPrometheus = "prometheus"
)

// shutdownDrainTimeout bounds how long in-flight HTTP ingests may delay exit.
const shutdownDrainTimeout = 10 * time.Second

// caseMonitor is a concurrency-safe monitor that can report per-case state.
type caseMonitor interface {
	conformance.Monitor
	Case(caseID string) (conformance.CaseSnapshot, bool)
}

// app holds the process-wide pieces shared by check and serve.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics interfaces.MetricsExporter
	prom    *metrics.PrometheusMetrics

	shutdown *lifecycle.ShutdownManager
}

// newApp loads configuration, applies flag overrides and builds logging,
// tracing and metrics.
func newApp(ctx context.Context, override func(*config.Config), metricsKind string) (*app, error) {
	var opts []config.ManagerOption
	if configFile != "" {
		opts = append(opts, config.WithFile(configFile))
	}
	mgr := config.NewManager(opts...)
	if err := mgr.Load(); err != nil {
		return nil, err
	}

	cfg := mgr.Get()
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeConfigInvalid, "failed to build logger")
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		shutdown: lifecycle.NewShutdownManager(lifecycle.ShutdownConfig{
			DrainTimeout: shutdownDrainTimeout,
			Logger:       logger,
		}),
	}
	a.shutdown.Register("logger", func(context.Context) error {
		_ = logger.Sync()
		return nil
	})
	if paths := mgr.GetPaths(); len(paths) > 0 {
		logger.Debug("configuration loaded", zap.Strings("paths", paths))
	}

	if err := a.setupTracing(ctx); err != nil {
		a.close()
		return nil, err
	}
	if err := a.setupMetrics(metricsKind); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) setupTracing(ctx context.Context) error {
	tc := a.cfg.Telemetry
	if !tc.Enabled {
		return nil
	}

	otlp := telemetry.DefaultOTLPConfig(tc.ServiceName)
	otlp.Endpoint = tc.Endpoint
	otlp.InsecureTLS = tc.Insecure
	otlp.SamplingRatio = tc.SamplingRatio
	otlp.ServiceVersion = version

	shutdown, err := telemetry.NewOTLPExporter(otlp).Init(ctx)
	if err != nil {
		return err
	}
	a.shutdown.Register("tracing", shutdown)
	a.logger.Info("tracing enabled", zap.String("endpoint", tc.Endpoint))
	return nil
}

func (a *app) setupMetrics(kind string) error {
	switch strings.ToLower(kind) {
	case metricsAuto, "":
		if a.cfg.Server.Listen != "" {
			return a.setupMetrics(metricsPrometheus)
		}
		a.metrics = metrics.NewNoopMetrics()
	case metricsNone:
		a.metrics = metrics.NewNoopMetrics()
	case metricsLog:
		lm := metrics.NewLogMetrics(a.logger, metrics.WithBufferSize(256))
		a.metrics = lm
		a.shutdown.Register("log-metrics", func(context.Context) error { return lm.Close() })
	case metricsPrometheus:
		a.prom = metrics.NewPrometheusMetrics(nil)
		a.metrics = a.prom
	default:
		return errors.InvalidConfig("metrics", fmt.Sprintf("unknown metrics exporter %q", kind))
	}
	return nil
}

// close releases everything newApp and later setup registered, in reverse.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*shutdownDrainTimeout)
	defer cancel()
	_ = a.shutdown.Shutdown(ctx)
}

func (a *app) loadModel() (*skeleton.Model, error) {
	if a.cfg.Model.Path == "" {
		return nil, errors.InvalidConfig("model.path", "a skeleton model is required (--model)")
	}
	m, err := skeleton.Load(a.cfg.Model.Path)
	if err != nil {
		return nil, err
	}
	a.logger.Info("model loaded",
		zap.String("path", a.cfg.Model.Path),
		zap.Int("activities", len(m.Activities())))
	return m, nil
}

// buildMonitor returns a locked checker, or a sharded one when more than one
// shard is configured.
func (a *app) buildMonitor(model *skeleton.Model, handlers ...conformance.DeviationHandler) (caseMonitor, error) {
	opts := []conformance.Option{
		conformance.WithConfig(a.cfg.Conformance()),
		conformance.WithLogger(a.logger),
		conformance.WithMetrics(a.metrics),
	}
	for _, h := range handlers {
		opts = append(opts, conformance.WithDeviationHandler(h))
	}

	if n := a.cfg.Stream.Shards; n > 1 {
		return conformance.NewSharded(model, n, opts...)
	}
	return conformance.NewSynchronized(model, opts...)
}

// buildSource opens the configured event source. For file sources wrap
// can decorate the reader, e.g. with a progress bar.
func (a *app) buildSource(wrap func(r io.Reader, size int64) io.Reader) (sources.Source, error) {
	sc := a.cfg.Source
	opts := []sources.Option{
		sources.WithLogger(a.logger),
		sources.WithMetrics(a.metrics),
	}

	switch sc.Kind {
	case config.SourceStdin:
		return sources.NewJSONLSource("stdin", os.Stdin, opts...), nil
	case config.SourceFile:
		f, err := os.Open(sc.Path)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeSourceOpen, "failed to open event file").
				WithContext("path", sc.Path)
		}
		a.shutdown.RegisterCloser("source-file", f)

		var r io.Reader = f
		if wrap != nil {
			if info, err := f.Stat(); err == nil {
				r = wrap(f, info.Size())
			}
		}
		return sources.NewJSONLSource(sc.Path, r, opts...), nil
	case config.SourceFollow:
		opts = append(opts, sources.WithPollInterval(sc.PollInterval))
		if sc.StartAtEnd {
			opts = append(opts, sources.WithStartAtEnd())
		}
		return sources.NewFollowSource(sc.Path, opts...)
	}
	return nil, errors.InvalidConfig("source.kind", fmt.Sprintf("unknown source %q", sc.Kind))
}

// buildBackend opens the configured report backend. It returns nil when
// reporting is disabled. With mirror set, snapshots are also written to the
// local report directory on a best-effort basis.
func (a *app) buildBackend(ctx context.Context, mirror bool) (report.Backend, error) {
	rc := a.cfg.Report

	var primary report.Backend
	switch rc.Backend {
	case config.BackendNone, "":
		return nil, nil
	case config.BackendLocal:
		b, err := report.NewLocalBackend(rc.Local.Dir)
		if err != nil {
			return nil, err
		}
		primary = b
		mirror = false
	case config.BackendRedis:
		cfg := report.DefaultRedisConfig(rc.Redis.Address)
		cfg.Password = rc.Redis.Password
		cfg.Database = rc.Redis.Database
		if rc.Redis.Prefix != "" {
			cfg.Prefix = rc.Redis.Prefix
		}
		cfg.TTL = rc.Redis.TTL

		b, err := report.NewRedisBackend(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.shutdown.RegisterCloser("redis", b)
		primary = b
	case config.BackendS3:
		cfg := report.DefaultS3Config(rc.S3.Bucket)
		if rc.S3.Prefix != "" {
			cfg.Prefix = rc.S3.Prefix
		}
		cfg.Region = rc.S3.Region
		cfg.Endpoint = rc.S3.Endpoint
		cfg.UsePathStyle = rc.S3.UsePathStyle

		b, err := report.NewS3Backend(ctx, cfg)
		if err != nil {
			return nil, err
		}
		primary = b
	default:
		return nil, errors.InvalidConfig("report.backend", fmt.Sprintf("unknown backend %q", rc.Backend))
	}

	if mirror {
		local, err := report.NewLocalBackend(rc.Local.Dir)
		if err != nil {
			return nil, err
		}
		primary = report.NewMultiBackend(primary, local, a.logger)
	}
	a.logger.Info("report backend ready", zap.String("backend", primary.Name()))
	return primary, nil
}

// startPublisher runs a snapshot publisher until the returned stop function
// is called. stop blocks until the final snapshot is written.
func (a *app) startPublisher(backend report.Backend, mon conformance.Monitor, runID, source string) (stop func()) {
	if backend == nil {
		return func() {}
	}

	breaker := resilience.NewCircuitBreaker().
		WithMaxFailures(3).
		WithCooldown(2 * a.cfg.Report.Interval)
	breaker.OnTrip = func(failures int) {
		a.logger.Warn("report backend failing, pausing periodic saves",
			zap.String("backend", backend.Name()),
			zap.Int("failures", failures))
	}
	breaker.OnReset = func() {
		a.logger.Info("report backend recovered", zap.String("backend", backend.Name()))
	}

	pub := report.NewPublisher(backend, mon,
		report.WithBreaker(breaker),
		report.WithID(runID),
		report.WithSource(source),
		report.WithInterval(a.cfg.Report.Interval),
		report.WithLogger(a.logger),
		report.WithMetrics(a.metrics))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := pub.Run(ctx); err != nil {
			a.logger.Error("report publisher failed", zap.Error(err))
		}
	}()

	return func() {
		cancel()
		<-done
		a.logger.Info("report published",
			zap.String("id", pub.ID()),
			zap.Int("saves", pub.Saved()))
	}
}

// serverOptions configures the HTTP API from the loaded configuration.
func (a *app) serverOptions(broker *server.SSEBroker) []server.Option {
	opts := []server.Option{
		server.WithLogger(a.logger),
		server.WithVersion(version),
		server.WithShutdownManager(a.shutdown),
	}
	if broker != nil {
		opts = append(opts, server.WithBroker(broker))
	}
	if a.prom != nil {
		opts = append(opts, server.WithMetricsHandler(a.prom.Handler()))
	}
	if keys := a.cfg.Server.APIKeys; len(keys) > 0 {
		authn := auth.NewAPIKeyAuthenticator(keys...)
		opts = append(opts, server.WithAuthenticator(authn))
		a.logger.Info("event ingestion requires an API key", zap.Int("keys", authn.Len()))
	}
	return opts
}

// bindStreamFlags registers the flags shared by check and serve.
func bindStreamFlags(cmd *cobra.Command, f *streamFlags) {
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "Skeleton model file (YAML or JSON)")
	cmd.Flags().StringVar(&f.caseKey, "case-key", "", "Event attribute holding the case id")
	cmd.Flags().StringVar(&f.activityKey, "activity-key", "", "Event attribute holding the activity")
	cmd.Flags().IntVar(&f.shards, "shards", 0, "Number of checker shards (1 = single checker)")
	cmd.Flags().StringVar(&f.report, "report", "", "Report backend (none, local, redis, s3)")
	cmd.Flags().DurationVar(&f.reportInterval, "report-interval", 0, "Interval between report snapshots")
	cmd.Flags().BoolVar(&f.mirror, "report-mirror", false, "Also write snapshots to the local report directory")
	cmd.Flags().StringVar(&f.metrics, "metrics", metricsAuto, "Metrics exporter (auto, none, log, prometheus)")
}

// streamFlags are overrides on top of the loaded configuration.
type streamFlags struct {
	model          string
	caseKey        string
	activityKey    string
	shards         int
	report         string
	reportInterval time.Duration
	mirror         bool
	metrics        string
}

func (f *streamFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("model") {
		cfg.Model.Path = f.model
	}
	if flags.Changed("case-key") {
		cfg.Stream.CaseIDKey = f.caseKey
	}
	if flags.Changed("activity-key") {
		cfg.Stream.ActivityKey = f.activityKey
	}
	if flags.Changed("shards") {
		cfg.Stream.Shards = f.shards
	}
	if flags.Changed("report") {
		cfg.Report.Backend = f.report
	}
	if flags.Changed("report-interval") {
		cfg.Report.Interval = f.reportInterval
	}
}
