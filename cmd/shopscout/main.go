// Entry point for the shopscout service: one-shot CLI queries, the HTTP
// streaming server, or an MCP stdio server, all over the same orchestrator.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shopscout/shopscout/cache"
	"github.com/shopscout/shopscout/escalate"
	"github.com/shopscout/shopscout/extract"
	"github.com/shopscout/shopscout/fetch"
	"github.com/shopscout/shopscout/health"
	"github.com/shopscout/shopscout/render"
	"github.com/shopscout/shopscout/scout"
	"github.com/shopscout/shopscout/server"
	"github.com/shopscout/shopscout/source"
)

func main() {
	var (
		configPath = flag.String("config", "config/sources.yaml", "source catalogue path")
		query      = flag.String("query", "", "run one search and print NDJSON events")
		locale     = flag.String("locale", "", "locale for source pages, e.g. en-IN")
		serve      = flag.String("serve", "", "serve HTTP on this address, e.g. :8086")
		mcpMode    = flag.Bool("mcp", false, "serve MCP tools over stdio")
		logLevel   = flag.String("log-level", "info", "debug, info, warn, or error")
	)
	flag.Parse()

	var lvl slog.Level
	switch *logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logWriter := os.Stdout
	if *query != "" || *mcpMode {
		// Keep stdout clean for NDJSON output and the MCP transport.
		logWriter = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := source.LoadFile(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	healthStore, err := health.OpenStore(cfg.HealthDB)
	if err != nil {
		slog.Error("health db", "error", err)
		os.Exit(1)
	}
	defer healthStore.Close()

	mon, err := health.NewMonitor(ctx, healthStore, health.WithLogger(logger))
	if err != nil {
		slog.Error("health monitor", "error", err)
		os.Exit(1)
	}

	resultCache, err := cache.Open(cfg.CacheDB)
	if err != nil {
		slog.Error("cache db", "error", err)
		os.Exit(1)
	}
	defer resultCache.Close()

	extractor := extract.New(extract.WithLogger(logger))
	fetcher := fetch.New(fetch.WithLogger(logger))

	renderer := render.New(
		render.WithConcurrency(cfg.RenderConcurrency),
		render.WithLogger(logger),
	)
	defer renderer.Close()

	opts := []scout.Option{
		scout.WithConfig(scout.Config{
			BatchSize: cfg.BatchSize,
			CacheTTL:  cfg.CacheTTL.Std(),
		}),
		scout.WithRenderer(renderer),
		scout.WithCache(resultCache),
		scout.WithLogger(logger),
	}
	if cfg.EscalationEndpoint != "" {
		opts = append(opts, scout.WithAIExtractor(
			escalate.New(cfg.EscalationEndpoint, escalate.WithLogger(logger))))
	}
	orch := scout.New(mon, extractor, fetcher, opts...)

	srv := server.New(orch, mon, cfg.Sources, server.WithLogger(logger))

	switch {
	case *mcpMode:
		if err := srv.RunMCP(ctx); err != nil && ctx.Err() == nil {
			slog.Error("mcp server", "error", err)
			os.Exit(1)
		}

	case *serve != "":
		httpSrv := &http.Server{
			Addr:              *serve,
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			httpSrv.Shutdown(shutdownCtx)
		}()
		slog.Info("http server starting", "addr", *serve, "sources", len(cfg.Sources))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "error", err)
			os.Exit(1)
		}

	case *query != "":
		enc := json.NewEncoder(os.Stdout)
		for ev := range orch.Run(ctx, *query, *locale, cfg.Sources) {
			if err := enc.Encode(ev); err != nil {
				slog.Error("encode event", "error", err)
				os.Exit(1)
			}
		}

	default:
		fmt.Fprintln(os.Stderr, "nothing to do: pass -query, -serve, or -mcp")
		flag.Usage()
		os.Exit(2)
	}
}
