package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"meetscribe/internal/bootstrap"
)

type rootFlags struct {
	settingsPath string
	metricsAddr  string
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "meetscribe",
		Short: "meetscribe - live meeting transcription",
		Long:  "meetscribe captures microphone and system audio, streams it to a transcription backend and keeps a speaker-labelled transcript",
		Example: `  meetscribe devices
  meetscribe record --mode both --copy
  meetscribe transcribe standup.wav
  meetscribe ask --transcript standup.txt "what did we decide?"`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&flags.settingsPath, "settings", "", "settings file (default $MEETSCRIBE_SETTINGS_FILE or ~/.config/meetscribe/settings.yaml)")
	cmd.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")

	cmd.AddCommand(
		newDevicesCmd(&flags),
		newRecordCmd(&flags),
		newTranscribeCmd(&flags),
		newAskCmd(&flags),
	)
	return cmd
}

// build assembles services and, when requested, a metrics endpoint that lives until the
// returned cleanup runs.
func (f *rootFlags) build(ctx context.Context, opts bootstrap.Options) (bootstrap.Services, func(), error) {
	opts.SettingsPath = f.settingsPath

	var reg *prometheus.Registry
	if f.metricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts.Registerer = reg
	}

	services, err := bootstrap.Build(opts)
	if err != nil {
		return bootstrap.Services{}, nil, err
	}
	if reg == nil {
		return services, services.Close, nil
	}

	server := serveMetrics(f.metricsAddr, reg, services.Logger)
	return services, func() {
		services.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return server
}

func printf(cmd *cobra.Command, format string, args ...interface{}) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
