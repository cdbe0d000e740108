// Command server runs the live-lyric-follow session server: websocket and
// webtransport listeners over a shared follow.Manager, plus an HTTP API
// exposing health and prometheus metrics.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lyricfollow/server/internal/broadcast"
	"lyricfollow/server/internal/config"
	"lyricfollow/server/internal/devtls"
	"lyricfollow/server/internal/follow"
	"lyricfollow/server/internal/httpapi"
	"lyricfollow/server/internal/metrics"
	"lyricfollow/server/internal/ratelimit"
	"lyricfollow/server/internal/registry"
	"lyricfollow/server/internal/setlistsource"
	"lyricfollow/server/internal/sttadapter"
	"lyricfollow/server/internal/wtransport"
	"lyricfollow/server/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional; env vars and defaults still apply)")
	httpAddr := flag.String("http-addr", ":8080", "HTTP listen address for /healthz, /metrics and /ws")
	wtAddr := flag.String("wt-addr", ":8443", "WebTransport/HTTP3 listen address")
	setlistDir := flag.String("setlist-dir", "setlists", "directory of <eventID>.yaml setlist files, used when setlistSourceBackend is yaml-file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	holder, err := config.NewHolder(*configPath, logger)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	cfg := holder.Current()

	setlists, err := buildSetlistSource(cfg, *setlistDir)
	if err != nil {
		logger.Error("build setlist source", "err", err)
		os.Exit(1)
	}
	defer setlists.Close()

	tlsConfig, fingerprint, err := devtls.GenerateConfig(cfg.TLSCertValidity, cfg.TLSHostname)
	if err != nil {
		logger.Error("generate tls config", "err", err)
		os.Exit(1)
	}
	logger.Info("generated self-signed tls certificate", "fingerprint", fingerprint, "hostname", cfg.TLSHostname)

	reg := registry.New(logger)
	fabric := broadcast.New(reg, logger)
	sttProvider := &sttadapter.MockProvider{}
	mgr := follow.NewManager(reg, fabric, setlists, sttProvider, holder.Current, logger, nil)

	control := func() ratelimit.Config {
		c := holder.Current()
		return ratelimit.Config{Window: c.ControlRateWindow, Limit: c.ControlRateLimit}
	}
	audio := func() ratelimit.Config {
		c := holder.Current()
		return ratelimit.Config{Window: c.AudioRateWindow, Limit: c.AudioRateLimit}
	}

	wsHandler := ws.NewHandler(reg, mgr, control, audio, logger)
	wtHandler := wtransport.NewHandler(*wtAddr, tlsConfig, reg, mgr, control, audio, logger)
	api := httpapi.New(mgr, wsHandler, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := holder.Watch(ctx); err != nil {
		logger.Error("start config watcher", "err", err)
		os.Exit(1)
	}

	go metrics.RunStatsLogger(ctx, mgr.Stats, 5*time.Second, logger)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http api listening", "addr", *httpAddr)
		errCh <- api.Run(ctx, *httpAddr)
	}()
	go func() {
		logger.Info("webtransport listening", "addr", *wtAddr)
		errCh <- wtHandler.ListenAndServe(ctx)
	}()

	remaining := 2
	select {
	case <-ctx.Done():
	case err := <-errCh:
		remaining--
		if err != nil {
			logger.Error("server error", "err", err)
		}
		stop()
	}

	logger.Info("shutting down")
	for ; remaining > 0; remaining-- {
		if err := <-errCh; err != nil {
			logger.Error("component shutdown", "err", err)
		}
	}
	logger.Info("shutdown complete")
}

func buildSetlistSource(cfg config.Config, setlistDir string) (setlistsource.Source, error) {
	var primary setlistsource.Source
	var err error
	switch cfg.SetlistSourceBackend {
	case "sqlite":
		primary, err = setlistsource.OpenSQLite(cfg.SetlistSourceDSN)
	default:
		primary = setlistsource.NewYAMLFileSource(setlistDir)
	}
	if err != nil {
		return nil, err
	}
	if !cfg.FallbackMockSetlist {
		return primary, nil
	}
	return setlistsource.NewFallbackSource(primary, setlistsource.NewMockSource()), nil
}
