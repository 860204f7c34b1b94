package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/logflow/skelstream/internal/pipe"
	"github.com/logflow/skelstream/pkg/config"
	"github.com/logflow/skelstream/pkg/conformance"
	"github.com/logflow/skelstream/pkg/server"
	"github.com/logflow/skelstream/pkg/sources"
	"github.com/logflow/skelstream/pkg/tui"
)

// Output formats for check.
const (
	outputText = "text"
	outputJSON = "json"
)

var (
	checkStream       streamFlags
	checkInput        string
	checkFollow       bool
	checkFromEnd      bool
	checkListen       string
	checkOutput       string
	checkQuiet        bool
	checkPrintDevs    bool
	checkFailOnDev    bool
	checkTopCases     int
	checkPollInterval time.Duration
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check an event stream against a skeleton model",
	Long: `Check reads JSON line events from stdin, a file, or a growing file and
reports every violated log skeleton constraint.

Examples:
  skelstream check -m model.yaml -i events.jsonl
  cat events.jsonl | skelstream check -m model.yaml
  skelstream check -m model.yaml -i app.log.jsonl --follow --listen :8080
  skelstream check -m model.yaml -i events.jsonl --output json --report local`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	bindStreamFlags(checkCmd, &checkStream)
	checkCmd.Flags().StringVarP(&checkInput, "input", "i", "", "Event file (JSON lines; '-' or empty for stdin)")
	checkCmd.Flags().BoolVarP(&checkFollow, "follow", "f", false, "Keep reading as the input file grows")
	checkCmd.Flags().DurationVar(&checkPollInterval, "poll-interval", 0, "Poll interval when following")
	checkCmd.Flags().BoolVar(&checkFromEnd, "from-end", false, "With --follow, skip events already in the file")
	checkCmd.Flags().StringVar(&checkListen, "listen", "", "Serve the HTTP API on this address while checking")
	checkCmd.Flags().StringVarP(&checkOutput, "output", "o", outputText, "Summary format (text, json)")
	checkCmd.Flags().BoolVarP(&checkQuiet, "quiet", "q", false, "Do not show progress")
	checkCmd.Flags().BoolVar(&checkPrintDevs, "print-deviations", false, "Print each deviation as it is found")
	checkCmd.Flags().BoolVar(&checkFailOnDev, "fail-on-deviation", false, "Exit with status 1 if any deviation is found")
	checkCmd.Flags().IntVar(&checkTopCases, "top", tui.DefaultTopCases, "Cases listed in the text summary")
}

// applyCheckFlags maps check flags onto the configuration.
func applyCheckFlags(cmd *cobra.Command, cfg *config.Config) {
	checkStream.apply(cmd, cfg)

	flags := cmd.Flags()
	if flags.Changed("input") {
		if checkInput == "" || checkInput == "-" {
			cfg.Source.Kind, cfg.Source.Path = config.SourceStdin, ""
		} else {
			cfg.Source.Kind, cfg.Source.Path = config.SourceFile, checkInput
		}
	}
	if checkFollow {
		cfg.Source.Kind = config.SourceFollow
	}
	if flags.Changed("poll-interval") {
		cfg.Source.PollInterval = checkPollInterval
	}
	if flags.Changed("from-end") {
		cfg.Source.StartAtEnd = checkFromEnd
	}
	if flags.Changed("listen") {
		cfg.Server.Listen = checkListen
	}
}

// CheckReport is the JSON summary of a check run.
type CheckReport struct {
	RunID      string                  `json:"run_id"`
	Source     string                  `json:"source"`
	Events     uint64                  `json:"events"`
	Lines      sources.Stats           `json:"lines"`
	Stats      conformance.Stats       `json:"stats"`
	Deviations []conformance.Deviation `json:"deviations"`
	ElapsedMS  int64                   `json:"elapsed_ms"`
	Canceled   bool                    `json:"canceled"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	switch checkOutput {
	case outputText, outputJSON:
	default:
		return fmt.Errorf("unknown output format %q (want text or json)", checkOutput)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, func(cfg *config.Config) { applyCheckFlags(cmd, cfg) }, checkStream.metrics)
	if err != nil {
		return err
	}
	defer a.close()

	model, err := a.loadModel()
	if err != nil {
		return err
	}

	stderr := cmd.ErrOrStderr()
	listen := a.cfg.Server.Listen
	showProgress := !checkQuiet && !checkPrintDevs && checkOutput == outputText && isTerminal(stderr)

	var handlers []conformance.DeviationHandler
	var broker *server.SSEBroker
	if listen != "" {
		broker = server.NewSSEBroker()
		handlers = append(handlers, broker.PublishDeviation)
	}
	if checkPrintDevs {
		handlers = append(handlers, func(d conformance.Deviation) { tui.PrintDeviation(stderr, d) })
	}

	mon, err := a.buildMonitor(model, handlers...)
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	var wrap func(io.Reader, int64) io.Reader
	if showProgress && a.cfg.Source.Kind == config.SourceFile {
		wrap = func(r io.Reader, size int64) io.Reader {
			bar = tui.NewByteBar(stderr, size, "checking")
			pr := progressbar.NewReader(r, bar)
			return &pr
		}
	}
	src, err := a.buildSource(wrap)
	if err != nil {
		return err
	}
	if showProgress && bar == nil {
		bar = tui.NewSpinner(stderr, "checking")
	}

	backend, err := a.buildBackend(ctx, checkStream.mirror)
	if err != nil {
		return err
	}
	runID := uuid.NewString()
	stopPublisher := a.startPublisher(backend, mon, runID, src.Name())

	stopServer := func() {}
	if listen != "" {
		stopServer = a.startServer(mon, broker, listen)
	}

	opts := []pipe.Option{
		pipe.WithConfig(pipe.Config{
			BufferSize:       a.cfg.Stream.BufferSize,
			ProgressInterval: pipe.DefaultConfig().ProgressInterval,
		}),
		pipe.WithLogger(a.logger),
	}
	if bar != nil && a.cfg.Source.Kind != config.SourceFile {
		opts = append(opts, pipe.WithProgress(func(p pipe.Progress) {
			_ = bar.Set64(int64(p.Events))
		}))
	}

	a.logger.Info("check started",
		zap.String("run_id", runID),
		zap.String("source", src.Name()),
		zap.Int("shards", a.cfg.Stream.Shards))
	res, err := pipe.NewRunner(mon, opts...).Run(ctx, src)
	if bar != nil {
		_ = bar.Finish()
	}
	stopServer()
	stopPublisher()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch checkOutput {
	case outputJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(CheckReport{
			RunID:      runID,
			Source:     res.Source,
			Events:     res.Events,
			Lines:      res.Lines,
			Stats:      res.Stats,
			Deviations: mon.CurrentResult().Deviations,
			ElapsedMS:  res.Elapsed.Milliseconds(),
			Canceled:   res.Canceled,
		}); err != nil {
			return err
		}
	default:
		tui.PrintSummary(out, tui.Summary{
			Source:   res.Source,
			Stats:    res.Stats,
			Result:   mon.CurrentResult(),
			Elapsed:  res.Elapsed,
			Canceled: res.Canceled,
			TopCases: checkTopCases,
		})
	}

	if checkFailOnDev && res.Deviations > 0 {
		return errDeviations
	}
	return nil
}

// startServer serves the HTTP API in the background. The returned function
// shuts it down and waits.
func (a *app) startServer(mon caseMonitor, broker *server.SSEBroker, listen string) (stop func()) {
	srv := server.New(mon, a.serverOptions(broker)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.ListenAndServe(ctx, listen); err != nil {
			a.logger.Error("http server failed", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0 && !strings.EqualFold(os.Getenv("TERM"), "dumb")
}
