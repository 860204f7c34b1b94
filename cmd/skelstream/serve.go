package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/logflow/skelstream/pkg/config"
	"github.com/logflow/skelstream/pkg/server"
)

// defaultListen is used by serve when neither flag nor config set an address.
const defaultListen = ":8080"

var (
	serveStream streamFlags
	serveListen string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a conformance monitor behind the HTTP API",
	Long: `Serve starts an empty monitor for a skeleton model and accepts events
over HTTP until interrupted.

Endpoints:
  POST /api/events       JSON object, JSON array, or JSON lines
  GET  /api/stats        processing counters
  GET  /api/deviations   ?kind=&case=&limit=
  GET  /api/cases/{id}   tracking state of one case
  GET  /api/stream       deviations as Server-Sent Events
  GET  /metrics          Prometheus metrics

Examples:
  skelstream serve -m model.yaml
  skelstream serve -m model.yaml --listen 127.0.0.1:9000 --report redis`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	bindStreamFlags(serveCmd, &serveStream)
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Address to listen on (default "+defaultListen+")")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, func(cfg *config.Config) {
		serveStream.apply(cmd, cfg)
		if cmd.Flags().Changed("listen") {
			cfg.Server.Listen = serveListen
		}
		if cfg.Server.Listen == "" {
			cfg.Server.Listen = defaultListen
		}
	}, serveStream.metrics)
	if err != nil {
		return err
	}
	defer a.close()

	model, err := a.loadModel()
	if err != nil {
		return err
	}

	broker := server.NewSSEBroker()
	mon, err := a.buildMonitor(model, broker.PublishDeviation)
	if err != nil {
		return err
	}

	backend, err := a.buildBackend(ctx, serveStream.mirror)
	if err != nil {
		return err
	}
	runID := uuid.NewString()
	stopPublisher := a.startPublisher(backend, mon, runID, "http")
	a.shutdown.Register("publisher", func(context.Context) error {
		stopPublisher()
		return nil
	})

	srv := server.New(mon, a.serverOptions(broker)...)

	a.logger.Info("serving",
		zap.String("run_id", runID),
		zap.String("listen", a.cfg.Server.Listen))
	if err := srv.ListenAndServe(ctx, a.cfg.Server.Listen); err != nil {
		return err
	}

	stats := mon.Stats()
	a.logger.Info("monitor stopped",
		zap.Uint64("events", stats.Events),
		zap.Int("deviations", stats.Deviations))
	return nil
}
