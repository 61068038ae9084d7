// Command titanircd runs the IRC daemon: a TCP acceptor feeding client,
// channel and router actors, backed by a single-writer SQLite store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	_ "go.uber.org/automaxprocs"

	"github.com/MITBorg/titanirc-sub000/internal/config"
	"github.com/MITBorg/titanirc-sub000/internal/metrics"
	"github.com/MITBorg/titanirc-sub000/internal/monitoring"
	"github.com/MITBorg/titanirc-sub000/internal/server"
	"github.com/MITBorg/titanirc-sub000/internal/store"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "titanircd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		verbosity  int
	)
	pflag.StringVarP(&configPath, "config", "c", "", "path to TOML config file")
	pflag.CountVarP(&verbosity, "verbose", "v", "increase log verbosity")
	pflag.Parse()

	cfg, err := config.Load(configPath, verbosity)
	if err != nil {
		return err
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	cfg.LogConfig(logger)

	reg := metrics.NewRegistry()

	st, err := store.Open(cfg.DatabasePath, cfg.MaxMessageReplaySince, logger, reg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	salt, err := st.Key(ctx, "ip_salt")
	if err != nil {
		return fmt.Errorf("load ip salt: %w", err)
	}

	sysmon := monitoring.NewSystemMonitor(logger, cfg.Metrics.SampleInterval, func(m monitoring.SystemMetrics) {
		reg.CPUPercent.Set(m.CPUPercent)
		reg.MemoryBytes.Set(float64(m.MemoryBytes))
		reg.Goroutines.Set(float64(m.Goroutines))
	})
	sysmon.Start()
	defer sysmon.Stop()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
		})
		metricsSrv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			logger.Info().Str("addr", cfg.Metrics.ListenAddr).Msg("metrics listener started")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	srv := server.New(cfg, st, server.NewCloaker(salt), logger, reg)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics listener shutdown")
		}
	}
	return srv.Shutdown(shutdownCtx)
}
