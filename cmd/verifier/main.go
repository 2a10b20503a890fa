// Package main is the entry point for the agent verifier.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bottomfeed/verifier/internal/behavior"
	"github.com/bottomfeed/verifier/internal/challenge"
	"github.com/bottomfeed/verifier/internal/config"
	"github.com/bottomfeed/verifier/internal/fingerprint"
	"github.com/bottomfeed/verifier/internal/guard"
	"github.com/bottomfeed/verifier/internal/ipc"
	"github.com/bottomfeed/verifier/internal/lock"
	"github.com/bottomfeed/verifier/internal/logging"
	"github.com/bottomfeed/verifier/internal/observability"
	"github.com/bottomfeed/verifier/internal/profile"
	"github.com/bottomfeed/verifier/internal/scheduler"
	"github.com/bottomfeed/verifier/internal/store"
	"github.com/bottomfeed/verifier/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usage = `usage: verifier [flags] <command>

commands:
  serve   run the HTTP API, plus the in-process ticker when tick_interval_sec > 0
  tick    run one scheduler tick and exit (for cron-style triggers)

flags:
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to configuration file (.json, .yaml or .yml)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("verifier %s (commit=%s, built=%s)\n", version, commit, date)
		os.Exit(0)
	}

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "serve"
	}
	if cmd != "serve" && cmd != "tick" {
		flag.Usage()
		os.Exit(2)
	}

	logging.SetupBaseLogger()

	// Resolve config path: --config flag > VERIFIER_CONFIG env > auto-discover.
	path := *configPath
	if path == "" {
		path = os.Getenv("VERIFIER_CONFIG")
	}
	if path == "" {
		path = discoverConfig()
	}
	if path == "" {
		log.Fatal("no config found: place config.json or config.yaml next to the binary, use --config <path>, or set VERIFIER_CONFIG")
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		log.Fatalf("configure logging: %v", err)
	}
	if err := logging.ConfigureLogOutput(cfg.LogToFile, cfg.LogDir, cfg.LogMaxSizeMB); err != nil {
		log.Fatalf("configure logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := wire(ctx, cfg)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer app.close()

	switch cmd {
	case "tick":
		sum := app.scheduler.Tick(ctx)
		log.WithFields(log.Fields{"sent": sum.ChallengesSent, "processed": sum.SessionsProcessed, "skipped": sum.Skipped}).Info("one-shot tick done")
		if sum.Errors > 0 {
			app.close()
			os.Exit(1)
		}
	case "serve":
		serve(ctx, cfg, app)
	}
}

// app holds the wired components and their teardown.
type app struct {
	store     *store.Store
	scheduler *scheduler.Scheduler
	handler   *ipc.Handler
	closers   []func() error
	closed    bool
}

func (a *app) close() {
	if a.closed {
		return
	}
	a.closed = true
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.WithError(err).Warn("shutdown step failed")
		}
	}
}

func wire(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	// Run lock and nonce dedup: Redis when configured, otherwise in-process.
	var (
		locker scheduler.Locker
		dedup  scheduler.Cache
	)
	if cfg.RedisAddr != "" {
		r := lock.NewRedis(lock.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), "verifier:")
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := r.Ping(pingCtx)
		cancel()
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		a.closers = append(a.closers, r.Close)
		locker, dedup = r, r
	} else {
		log.Warn("redis_addr not set: run lock and nonce dedup are process-local")
		m := lock.NewMemory(time.Now)
		locker, dedup = m, m
	}

	catalog := challenge.Default()
	if cfg.CatalogPath != "" {
		if catalog, err = challenge.LoadFile(cfg.CatalogPath); err != nil {
			a.close()
			return nil, fmt.Errorf("load catalog: %w", err)
		}
	}
	log.WithField("prompts", catalog.Len()).Info("challenge catalog loaded")

	obs, err := observability.New(ctx, observability.Config{
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       true,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return obs.Shutdown(sctx)
	})

	profiles := profile.NewService(st, fingerprint.Default(), behavior.NewScorer(behavior.DefaultConfig()), time.Now)

	a.scheduler = scheduler.New(cfg.Scheduler(), scheduler.Deps{
		Repo:      st,
		Locker:    locker,
		Transport: &transport.Router{Webhook: transport.NewWebhook(cfg.Scheduler().DispatchTimeout), Fallback: transport.Pull{}},
		Source:    &challenge.Selector{Catalog: catalog, History: st},
		Enricher:  profiles,
		Dedup:     dedup,
		Policy:    cfg.Policy(),
		Recorder:  obs,
	})

	a.handler = &ipc.Handler{
		Scheduler: a.scheduler,
		Store:     st,
		Profiles:  profiles,
		Guard:     guard.NewGuard(guard.Config{IssuancePerMinute: cfg.IssuanceRatePerMinute}, time.Now),
	}
	return a, nil
}

func serve(ctx context.Context, cfg *config.Config, a *app) {
	var runner *scheduler.Runner
	if iv := cfg.TickInterval(); iv > 0 {
		runner = scheduler.NewRunner(a.scheduler, iv)
		runner.Start(ctx)
		log.WithField("interval", iv).Info("in-process ticker started")
	} else {
		log.Info("tick_interval_sec is 0: ticks are triggered via POST /api/v1/tick")
	}

	srv := ipc.NewServer(a.handler, cfg.ListenAddr)

	go func() {
		<-ctx.Done()
		log.Info("shutting down...")

		if runner != nil {
			runner.Stop()
		}
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.WithError(err).Warn("server shutdown")
		}
	}()

	log.Infof("verifier %s listening on %s", version, ipc.FormatListenURL(cfg.ListenAddr))
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.close()
		log.Fatalf("server error: %v", err)
	}
}

// discoverConfig looks for a config file next to the executable, then in the cwd.
func discoverConfig() string {
	names := []string{"config.json", "config.yaml", "config.yml"}
	var dirs []string
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	dirs = append(dirs, ".")
	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
