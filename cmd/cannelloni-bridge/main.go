package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kstaniek/go-cannelloni-bridge/internal/bridge"
	"github.com/kstaniek/go-cannelloni-bridge/internal/logging"
	"github.com/kstaniek/go-cannelloni-bridge/internal/metrics"
)

func main() {
	cfg, showVersion, err := parseFlags(os.Args[1:], os.Stderr)
	if showVersion {
		fmt.Printf("cannelloni-bridge %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigCh:
			l.Info("shutdown_signal", "signal", s.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := run(ctx, cfg, l); err != nil {
		l.Error("bridge_error", "error", err)
		os.Exit(1)
	}
}

// run opens both handles, runs the bridge until ctx is cancelled or a fatal
// transport error occurs, and returns that error.
func run(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	link, err := openLink(cfg, l)
	if err != nil {
		return err
	}
	conn, peer, err := openConn(cfg, l)
	if err != nil {
		_ = link.Close()
		return err
	}
	opts := []bridge.Option{
		bridge.WithLink(link),
		bridge.WithConn(conn),
		bridge.WithTxQueueSize(cfg.txQueue),
		bridge.WithRxQueueSize(cfg.rxQueue),
		bridge.WithBatchSize(cfg.batch),
		bridge.WithMaxDatagram(cfg.maxDatagram),
		bridge.WithLogger(logging.For("bridge")),
	}
	if peer.IsValid() {
		opts = append(opts, bridge.WithPeer(peer))
	}
	b, err := bridge.New(opts...)
	if err != nil {
		_ = link.Close()
		_ = conn.Close()
		return err
	}

	// Ready when the stages run and shutdown has not begun.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-b.Ready():
		default:
			return false
		}
		return b.Running() && ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, b.QueueDepth, l, &wg)

	// Start mDNS advertisement once the bridge is running.
	port := int(conn.LocalAddr().Port())
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-b.Ready():
		case <-ctx.Done():
			return
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, port)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg), "port", port)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	err = b.Run(ctx)
	cancel()
	wg.Wait()
	return err
}
