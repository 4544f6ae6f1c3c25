package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/zsiec/samplegrab/internal/capture"
	"github.com/zsiec/samplegrab/internal/config"
	"github.com/zsiec/samplegrab/internal/device"
	"github.com/zsiec/samplegrab/internal/observe"
	"github.com/zsiec/samplegrab/internal/report"
	"github.com/zsiec/samplegrab/internal/session"
)

// runCapture performs one capture as described by cfg. It returns nil for
// every policy stop (target, interrupt, FIFO fault) and an error for write
// or transport failures.
func runCapture(ctx context.Context, cfg *config.Config, log *slog.Logger, stdout io.Writer) error {
	target, err := cfg.TargetBytes()
	if err != nil {
		return err
	}
	var samples int64
	if cfg.Size != "" {
		samples, _ = config.ParseSize(cfg.Size)
	}

	if cfg.Output == "" && cfg.Verbose {
		log.Info("no filename given, samples will not be saved")
	}

	metrics, stopMetrics, err := startMetrics(ctx, cfg.MetricsAddr, log)
	if err != nil {
		return err
	}
	defer stopMetrics()

	dev, err := device.Open(cfg.Device, cfg.Baud, device.WithLogger(log))
	if err != nil {
		return err
	}

	state := capture.NewState(target)
	disarm := session.WatchInterrupts(state)
	defer disarm()

	ctrl := session.New(session.Config{
		OutputPath:       cfg.Output,
		OutputBufferSize: cfg.OutputBuffer,
		FlushBytes:       cfg.FlushBytes,
		SliceSize:        cfg.SliceSize,
		PipeCapacity:     cfg.PipeCapacity,
		ChunkSize:        cfg.ChunkSize,
		Depth:            cfg.Depth,
		Verbose:          cfg.Verbose,
	}, state, dev,
		session.WithLogger(log),
		session.WithMetrics(metrics),
	)

	res, runErr := ctrl.Run(ctx)

	if cfg.Report != "" {
		r := report.New(res, report.Meta{
			Version:       version,
			Device:        cfg.Device,
			TargetSamples: samples,
			Err:           runErr,
		})
		if err := report.Write(cfg.Report, r); err != nil {
			log.Error("can't write report", "path", cfg.Report, "error", err)
		} else {
			log.Debug("report written", "path", cfg.Report)
		}
	}

	if res.StopReason == capture.StopFault.String() {
		log.Warn("capture stopped on FIFO error flag", "sample", res.FirstFault, "faults", res.Faults)
	}
	if cfg.Verbose {
		fmt.Fprintf(stdout, "capture ended: %s, %d bytes received, %d bytes written\n",
			res.StopReason, res.BytesReceived, res.BytesWritten)
	}
	return runErr
}

// startMetrics serves Prometheus metrics on addr. With no addr, metrics are
// discarded and stop is a no-op.
func startMetrics(ctx context.Context, addr string, log *slog.Logger) (*observe.Metrics, func(), error) {
	if addr == "" {
		return observe.Discard(), func() {}, nil
	}

	mp, shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "samplegrab",
		ServiceVersion: version,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init metrics: %w", err)
	}
	m, err := observe.NewMetrics(mp)
	if err != nil {
		_ = shutdown(ctx)
		return nil, nil, fmt.Errorf("init metrics: %w", err)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           observe.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", "error", err)
		}
	}()

	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown", "error", err)
		}
		if err := shutdown(shutdownCtx); err != nil {
			log.Warn("meter provider shutdown", "error", err)
		}
	}
	return m, stop, nil
}
