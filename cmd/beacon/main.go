package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avrel/beacon/internal/api"
	"github.com/avrel/beacon/internal/batch"
	"github.com/avrel/beacon/internal/bus"
	"github.com/avrel/beacon/internal/config"
	"github.com/avrel/beacon/internal/model"
	"github.com/avrel/beacon/internal/notify"
	"github.com/avrel/beacon/internal/series"
	"github.com/avrel/beacon/internal/store"
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// buildInfo returns version, commit, build time, and VCS details from the
// embedded Go build info. ldflags-injected values take priority; VCS info
// from debug.ReadBuildInfo fills in anything left as default.
func buildInfo() (ver, sha, built, dirty string) {
	ver = version
	sha = commit
	built = buildTime
	dirty = "clean"

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if sha == "none" {
				sha = s.Value
			}
		case "vcs.time":
			if built == "unknown" {
				built = s.Value
			}
		case "vcs.modified":
			if s.Value == "true" {
				dirty = "dirty"
			}
		}
	}

	return
}

func main() {
	configPath := flag.String("config", "", "path to beacon.yml config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	ver, sha, built, dirty := buildInfo()

	if *showVersion {
		fmt.Printf("beacon %s\n  commit:    %s (%s)\n  built:     %s\n  go:        %s\n  platform:  %s/%s\n",
			ver, sha, dirty, built, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, config.ErrConfigFileNotFound) {
			fmt.Fprintf(os.Stderr, "error: %s\n\n", err)
			fmt.Fprintf(os.Stderr, "Copy the example config to get started:\n")
			fmt.Fprintf(os.Stderr, "  cp beacon.example.yml %s\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "error: loading config (%s): %s\n", *configPath, err)
		}
		os.Exit(1)
	}

	// Configure logging
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("starting beacon",
		"version", ver,
		"commit", sha,
		"built", built,
		"dirty", dirty,
		"go", runtime.Version(),
		"listen", cfg.Listen,
	)

	metricsDir := filepath.Join(cfg.DataDir, "metrics")
	if err := os.MkdirAll(metricsDir, 0o755); err != nil {
		slog.Error("creating data directory", "path", metricsDir, "error", err)
		os.Exit(1)
	}

	// Write plumbing: the batcher coalesces catalog writes, the queue and
	// pool carry metric points into their per-source family files.
	batcher := batch.New(cfg.FlushInterval.Duration)
	pool := series.NewHandlePool(metricsDir)
	queue := series.NewQueue()

	st, err := store.Open(filepath.Join(cfg.DataDir, "beacon.db"), store.Options{
		Batcher:          batcher,
		Pool:             pool,
		Queue:            queue,
		AggregatorSource: cfg.AggregatorSource,
	})
	if err != nil {
		slog.Error("opening catalog", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := seedRootEntity(st); err != nil {
		slog.Error("seeding root entity", "error", err)
		os.Exit(1)
	}

	flusher := series.NewFlusher(queue, pool, cfg.FlushInterval.Duration)

	eventBus, err := bus.New(st, cfg.SanityInterval.Duration)
	if err != nil {
		slog.Error("starting event bus", "error", err)
		os.Exit(1)
	}

	// Alarm deletions are batched; the close event fires once the delete
	// actually commits.
	err = batcher.OnCommit("alarms", func(action batch.Action, args []any) {
		if action != batch.Delete || len(args) != 2 {
			return
		}
		key, _ := args[0].(string)
		entityID, _ := args[1].(int64)
		cid := model.FormatCID(entityID, key)
		if err := eventBus.Publish(context.Background(), "Alarm", "close", cid); err != nil {
			slog.Warn("alarm close event not published", "cid", cid, "error", err)
		}
	})
	if err != nil {
		slog.Error("registering alarm close hook", "error", err)
		os.Exit(1)
	}

	// Build notification providers and subscribe them to alarm events
	var providers []notify.Provider
	for _, ncfg := range cfg.Notifications {
		switch ncfg.Type {
		case "ntfy":
			providers = append(providers, notify.NewNtfy(ncfg.URL, ncfg.Topic))
		case "webhook":
			providers = append(providers, notify.NewWebhook(ncfg.URL, ncfg.Method, ncfg.Headers))
		}
	}
	if len(providers) > 0 {
		notifier := notify.NewAlarmNotifier(st, providers...)
		for _, subject := range []string{"Alarm.open", "Alarm.update", "Alarm.close"} {
			eventBus.Subscribe(subject, notifier)
		}
	}

	pruner := store.NewPruner(st, cfg.EventRetention.Duration, time.Hour)

	// Setup context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return batcher.Run(ctx) })
	g.Go(func() error { return flusher.Run(ctx) })
	g.Go(func() error { return eventBus.Run(ctx) })
	g.Go(func() error { return pruner.Run(ctx) })

	server := api.NewServer(cfg.Listen, st, eventBus)
	g.Go(func() error { return server.Run(ctx) })

	slog.Info("all components started",
		"data_dir", cfg.DataDir,
		"flush_interval", cfg.FlushInterval.Duration,
		"notifications", len(providers),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "error", err)
	}

	if n := pool.Outstanding(); n > 0 {
		slog.Warn("series handles still referenced at shutdown", "count", n)
	}
	pool.CloseAll()

	slog.Info("beacon stopped gracefully")
}

// seedRootEntity registers this host as entity 1 with its platform
// descriptors.
func seedRootEntity(st *store.Store) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	id, err := st.DeclareEntity(model.EntityDeclaration{
		Name:        hostname,
		Description: "beacon root entity",
		Descriptors: hostDescriptors(),
	})
	if err != nil {
		return err
	}
	slog.Info("root entity ready", "id", id, "name", hostname)
	return nil
}

// hostDescriptors describes the platform the root entity runs on.
func hostDescriptors() map[string]string {
	return map[string]string{
		"arch":     runtime.GOARCH,
		"platform": runtime.GOOS,
		"type":     osType(),
		"release":  osRelease(),
	}
}

func osType() string {
	switch runtime.GOOS {
	case "linux":
		return "Linux"
	case "darwin":
		return "Darwin"
	case "windows":
		return "Windows_NT"
	default:
		return runtime.GOOS
	}
}

func osRelease() string {
	if data, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
		return strings.TrimSpace(string(data))
	}
	return "unknown"
}
