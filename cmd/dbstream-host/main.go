// Package main implements the dbstream isolation host: a standalone process
// that runs the native market-data driver and serves it to bridge clients
// over a websocket. Running the driver out of process turns an unrecoverable
// native fault into a dropped connection on the client side.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/Alparse/dbstream/config"
	"github.com/Alparse/dbstream/diag"
	"github.com/Alparse/dbstream/isolate"
	"github.com/Alparse/dbstream/metric"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "dbstream-host"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("host failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		slog.Info("configuration is valid")
		return nil
	}

	slog.Info("starting dbstream isolation host",
		"version", Version,
		"build_time", BuildTime,
		"listen", cliCfg.ListenAddr,
		"path", cliCfg.Path)

	// Diagnostics emitted while no bridge client is attached still need a
	// destination; mirror them to NATS when configured, stderr otherwise.
	if cfg.Diag.NATSURL != "" {
		nc, err := nats.Connect(cfg.Diag.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			return fmt.Errorf("connect to NATS at %s: %w", cfg.Diag.NATSURL, err)
		}
		defer nc.Close()

		sink := diag.NewNATSSink(appName, nc, logger)
		defer sink.Close()
		diag.SetDefault(sink)
	}

	driver, err := newNativeDriver(cfg)
	if err != nil {
		return fmt.Errorf("create native driver: %w", err)
	}

	host := isolate.NewHost(driver, logger)
	mux := http.NewServeMux()
	mux.Handle(cliCfg.Path, host)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:              cliCfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metric.NewRegistry())
	}

	return serveWithSignalHandling(server, metricsServer)
}

// serveWithSignalHandling runs the servers until SIGINT/SIGTERM, then shuts
// down gracefully.
func serveWithSignalHandling(server *http.Server, metricsServer *metric.Server) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	g, ctx := errgroup.WithContext(signalCtx)

	g.Go(func() error {
		slog.Info("isolation endpoint listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	if metricsServer != nil {
		g.Go(func() error {
			slog.Info("metrics endpoint listening", "addr", metricsServer.Address())
			return metricsServer.Start()
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
		}
		if metricsServer != nil {
			_ = metricsServer.Stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("host shutdown complete")
	return nil
}

// loadConfig loads configuration from the specified path, falling back to
// defaults when no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
