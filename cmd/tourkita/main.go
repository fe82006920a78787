package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"tourkita/internal/assets"
	"tourkita/internal/cache"
	"tourkita/internal/clock"
	"tourkita/internal/config"
	"tourkita/internal/events"
	appLog "tourkita/internal/log"
	"tourkita/internal/session"
	"tourkita/internal/store"
	"tourkita/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	debug      bool
	once       bool
}

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup runs before exit.
func run() int {
	flags := parseFlags()
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}
	appLog.Info("tourkita starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		return 1
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if !flags.debug {
		appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	}

	loc, err := conf.Location()
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "timezone", conf.Timezone)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", loc.String(),
		"refresh", conf.RefreshCron,
		"store", appLog.RedactURL(conf.Store.BaseURL),
		"ics_count", len(conf.ICS),
		"cache_path", conf.CachePath,
		"assets_root", conf.Assets.Root,
		"resume_partial", conf.Assets.ResumePartial,
		"once", flags.once,
	)

	// The document cache only backs offline reads; run without it rather
	// than refuse to start.
	docs, err := cache.Open(conf.CachePath)
	if err != nil {
		appLog.Error("document cache unavailable; continuing without offline copies", err, "path", conf.CachePath)
		docs = nil
	} else {
		defer docs.Close()
	}

	fetcher := store.NewFetcher(docs, conf.StoreTimeout(), store.AuthHeaders(conf.Store.APIKey))
	client := store.NewClient(conf.Store.BaseURL, fetcher, feedSources(conf.ICS), loc)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if flags.once {
		if err := client.Refresh(ctx); err != nil {
			appLog.Error("refresh failed", err)
			return 1
		}
		appLog.Info("tourkita exiting")
		return 0
	}

	srv := web.NewServer(conf, web.Deps{
		Store:  client,
		Filter: events.NewFilter(clock.NewSystem(), loc),
		Assets: assets.NewCache(conf.Assets.Root, assets.Options{
			MaxAttempts:    conf.Assets.MaxAttempts,
			ResumePartial:  conf.Assets.ResumePartial,
			AttemptTimeout: conf.DownloadTimeout(),
		}),
		Sessions: session.NewStore(),
		Location: loc,
	})

	refresh := func() {
		if err := client.Refresh(ctx); err != nil {
			appLog.Error("scheduled refresh had failures", err)
		}
		srv.InvalidateEvents()
	}

	sched := cron.New(cron.WithLocation(loc))
	if _, err := sched.AddFunc(conf.RefreshCron, refresh); err != nil {
		appLog.Error("invalid refresh schedule", err, "refresh", conf.RefreshCron)
		return 1
	}
	sched.Start()
	go refresh()

	httpSrv := &http.Server{
		Addr:              conf.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen, "debug", flags.debug)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Error("HTTP server failed", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP server shutdown failed", err)
	}
	<-sched.Stop().Done()

	appLog.Info("tourkita exiting")
	return 0
}

func feedSources(feeds []config.ICSConfig) []store.Source {
	out := make([]store.Source, 0, len(feeds))
	for _, f := range feeds {
		if f.URL == "" {
			continue
		}
		id := f.ID
		if id == "" {
			if f.Name != "" {
				id = f.Name
			} else {
				id = f.URL
			}
		}
		out = append(out, store.Source{ID: id, URL: f.URL})
	}
	return out
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/tourkita/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&cfg.once, "once", false, "Refresh the local document cache once and exit")

	flag.Parse()

	return cfg
}
