// Command agentbus runs the local bridge daemon: it discovers co-located
// claude sessions, registers them on the bus service, and routes bus
// messages into worker turns.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentbus/agentbus/internal/bus"
	"github.com/agentbus/agentbus/internal/config"
	"github.com/agentbus/agentbus/internal/daemon"
	"github.com/agentbus/agentbus/internal/logging"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("agentbus", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "config file path")
	envFile := fs.String("env-file", "", "KEY=VALUE file loaded into the environment before config")
	environment := fs.String("env", "", "environment: dev, test, or live")
	apiURL := fs.String("api-url", "", "bus service base URL")
	projectKey := fs.String("project-key", "", "bus project credential")
	machineID := fs.String("machine-id", "", "stable identifier for this host")
	heartbeat := fs.Duration("heartbeat-interval", 0, "agent heartbeat cadence")
	debugAddr := fs.String("debug-addr", "", "metrics/health listen address (empty = disabled)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	if *envFile != "" {
		if err := config.LoadEnvFile(*envFile); err != nil {
			return err
		}
	}

	overrides := map[string]any{}
	if *environment != "" {
		overrides["environment"] = *environment
	}
	if *apiURL != "" {
		overrides["api_url"] = *apiURL
	}
	if *projectKey != "" {
		overrides["project_key"] = *projectKey
	}
	if *machineID != "" {
		overrides["machine_id"] = *machineID
	}
	if *heartbeat > 0 {
		overrides["heartbeat_interval"] = heartbeat.String()
	}
	if *debugAddr != "" {
		overrides["debug_addr"] = *debugAddr
	}

	cfg, err := config.Load(*configPath, overrides)
	if err != nil {
		return err
	}

	log := logging.Setup(cfg.Log.Level, cfg.Log.Format)
	logging.PrintBanner(version, cfg.APIURL)

	client := bus.New(cfg.APIURL, cfg.ProjectKey)

	stopped := make(chan struct{})
	d, err := daemon.New(daemon.Options{
		Config: cfg,
		Client: client,
		Logger: log,
		OnStatus: func(s daemon.State) {
			log.Debug("daemon state", "state", s)
			if s == daemon.Stopped {
				close(stopped)
			}
		},
	})
	if err != nil {
		return err
	}

	if cfg.DebugAddr != "" {
		go serveDebug(cfg.DebugAddr, log)
	}

	if err := d.Start(context.Background()); err != nil {
		return err
	}

	// The daemon owns signal handling; wait for it to wind down.
	<-stopped
	return nil
}

// serveDebug exposes Prometheus metrics and a liveness probe.
func serveDebug(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           logging.HTTPMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info("debug listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn("debug listener failed", "error", err)
	}
}
