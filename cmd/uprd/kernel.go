package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/authstore"
	"github.com/uaesivakumar/upr-authority/pkg/config"
	"github.com/uaesivakumar/upr-authority/pkg/configkernel"
	"github.com/uaesivakumar/upr-authority/pkg/envelope"
	"github.com/uaesivakumar/upr-authority/pkg/events"
	"github.com/uaesivakumar/upr-authority/pkg/export"
	"github.com/uaesivakumar/upr-authority/pkg/gate"
	"github.com/uaesivakumar/upr-authority/pkg/governance"
	"github.com/uaesivakumar/upr-authority/pkg/hooks"
	"github.com/uaesivakumar/upr-authority/pkg/httpapi"
	"github.com/uaesivakumar/upr-authority/pkg/observability"
	"github.com/uaesivakumar/upr-authority/pkg/policygate"
	"github.com/uaesivakumar/upr-authority/pkg/purge"
	"github.com/uaesivakumar/upr-authority/pkg/ratelimit"
	"github.com/uaesivakumar/upr-authority/pkg/replay"
	"github.com/uaesivakumar/upr-authority/pkg/resolver"
	"github.com/uaesivakumar/upr-authority/pkg/siva"
	"github.com/uaesivakumar/upr-authority/pkg/trace"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"
)

// kernel is the fully wired control plane. Construction order follows
// the data flow: audit and events first because every other store
// writes through them, then authority, envelope, gate, replay, and the
// governance surface on top.
type kernel struct {
	cfg *config.Config
	db  *sql.DB

	audits    *audit.Log
	events    *events.Log
	authority *authstore.Store
	resolver  *resolver.Resolver
	envelopes *envelope.Store
	sealer    *envelope.Sealer
	gate      *gate.Gate
	replays   *replay.Engine
	traces    *trace.Recorder
	configs   *configkernel.Store
	suites    *governance.Service
	purger    *purge.Service
	exports   *export.Service
	registry  *hooks.Registry

	obs  *observability.Provider
	slos *observability.SLOTracker
}

func buildKernel(ctx context.Context) (*kernel, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	driver, dsn := "sqlite", cfg.SQLitePath
	if cfg.DatabaseURL != "" {
		driver, dsn = "postgres", cfg.DatabaseURL
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	k := &kernel{cfg: cfg, db: db, registry: hooks.NewRegistry()}
	registerHooks(k.registry)

	if k.audits, err = audit.New(db); err != nil {
		return nil, err
	}
	if k.events, err = events.New(db); err != nil {
		return nil, err
	}
	if k.authority, err = authstore.New(db, k.audits); err != nil {
		return nil, err
	}
	k.resolver = resolver.New(k.authority)

	if k.envelopes, err = envelope.New(db, k.audits); err != nil {
		return nil, err
	}
	k.envelopes.WithEvents(k.registry)
	k.sealer = envelope.NewSealer(k.resolver, k.envelopes)

	if k.gate, err = gate.New(db, k.audits, k.envelopes); err != nil {
		return nil, err
	}
	k.gate.WithEvents(k.registry)

	if k.replays, err = replay.New(db, k.audits, k.envelopes); err != nil {
		return nil, err
	}
	k.replays.WithEvents(k.registry)

	gates, err := policygate.New(policygate.DefaultGates())
	if err != nil {
		return nil, err
	}
	if k.traces, err = trace.New(db, k.audits, gates, []byte(cfg.TraceSecret)); err != nil {
		return nil, err
	}

	if k.configs, err = configkernel.New(db, k.audits); err != nil {
		return nil, err
	}

	if k.suites, err = governance.New(db, k.audits, k.events, siva.NewStaticScorer()); err != nil {
		return nil, err
	}
	k.suites.WithFanOut(cfg.RunFanOut).WithEvents(k.registry)

	if k.purger, err = purge.New(db, k.audits, k.configs); err != nil {
		return nil, err
	}

	objStore, err := export.NewObjectStore(ctx, export.StoreConfig{
		Backend:  cfg.ExportBackend,
		Dir:      cfg.ExportDir,
		Bucket:   cfg.ExportBucket,
		Region:   cfg.ExportRegion,
		Endpoint: cfg.ExportEndpoint,
		Prefix:   cfg.ExportPrefix,
	})
	if err != nil {
		return nil, err
	}
	if k.exports, err = export.New(db, k.audits, objStore, k.audits, k.traces); err != nil {
		return nil, err
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.Environment = cfg.Environment
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Insecure = !cfg.IsProduction()
	if k.obs, err = observability.New(ctx, obsCfg); err != nil {
		return nil, err
	}
	k.slos = observability.NewSLOTracker()
	for _, target := range observability.DefaultTargets() {
		k.slos.SetTarget(target)
	}

	return k, nil
}

func (k *kernel) close(ctx context.Context) {
	if k.obs != nil {
		if err := k.obs.Shutdown(ctx); err != nil {
			slog.Error("telemetry shutdown failed", "error", err)
		}
	}
	if err := k.db.Close(); err != nil {
		slog.Error("database close failed", "error", err)
	}
}

// registerHooks installs the built-in observers. Drift and gate blocks
// are the two signals an operator must never miss, so both get an
// escalation log entry beyond the component's own logging.
func registerHooks(reg *hooks.Registry) {
	logger := slog.Default().With("component", "kernel_hooks")
	_ = reg.Register(hooks.EventReplayDrift, "drift-escalation", 0, 0,
		func(_ context.Context, e hooks.Event) error {
			logger.Error("ESCALATION: replay drift",
				"replay_id", e.Payload["replay_id"],
				"original_hash", e.Payload["original_hash"],
				"replay_hash", e.Payload["replay_hash"])
			return nil
		})
	_ = reg.Register(hooks.EventGateViolation, "violation-escalation", 0, 0,
		func(_ context.Context, e hooks.Event) error {
			logger.Warn("ESCALATION: runtime gate block",
				"violation_id", e.Payload["violation_id"],
				"code", e.Payload["violation_code"],
				"endpoint", e.Payload["endpoint"])
			return nil
		})
	_ = reg.Register(hooks.EventSuitePromoted, "ga-announcement", 0, 0,
		func(_ context.Context, e hooks.Event) error {
			logger.Info("suite approved for GA",
				"suite_id", e.Payload["suite_id"], "suite_key", e.Payload["suite_key"])
			return nil
		})
}

func (k *kernel) limiters() (perIP, sensitive ratelimit.Limiter, err error) {
	cfg := k.cfg
	ipPolicy := ratelimit.Policy{
		PerDay: int(cfg.RequestsPerSecond * 24 * 60 * 60),
		Burst:  cfg.RequestBurst,
	}
	sensitivePolicy := ratelimit.Policy{
		PerDay: cfg.SensitiveReadsPerDay,
		Burst:  ratelimit.DefaultSensitivePolicy.Burst,
	}

	perIP = ratelimit.NewInProcess(ipPolicy)
	var inner ratelimit.Limiter = ratelimit.NewInProcess(sensitivePolicy)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		inner = ratelimit.NewRedis(redis.NewClient(opts), sensitivePolicy)
	}
	// Sensitive-read denials are evidence; record them.
	sensitive, err = ratelimit.NewRecorder(inner, k.db)
	if err != nil {
		return nil, nil, err
	}
	return perIP, sensitive, nil
}

func runServe(stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	k, err := buildKernel(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "uprd: %v\n", err)
		return 1
	}

	perIP, sensitive, err := k.limiters()
	if err != nil {
		fmt.Fprintf(stderr, "uprd: %v\n", err)
		return 1
	}

	api := httpapi.New(httpapi.Deps{
		DB:            k.db,
		Sealer:        k.sealer,
		Envelopes:     k.envelopes,
		Gate:          k.gate,
		Replays:       k.replays,
		Suites:        k.suites,
		Configs:       k.configs,
		Audits:        k.audits,
		Exports:       k.exports,
		Traces:        k.traces,
		Auth:          httpapi.NewAuthenticator(k.cfg.JWTSecret),
		PerIP:         perIP,
		Sensitive:     sensitive,
		Observability: k.obs,
		SLOs:          k.slos,
	})

	go k.envelopes.RunSweeper(ctx, k.cfg.SweepInterval)
	go k.replays.RunSweeper(ctx, k.cfg.SweepInterval, k.cfg.ReplayGrace)
	go k.governanceSweeper(ctx)

	srv := &http.Server{
		Addr:              ":" + k.cfg.Port,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("kernel listening", "addr", srv.Addr, "environment", k.cfg.Environment)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "uprd: %v\n", err)
			return 1
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	k.close(shutdownCtx)
	return 0
}

// governanceSweeper drives the sweeps that have no RunSweeper of their
// own: expired invites, stale runs and pending export builds.
func (k *kernel) governanceSweeper(ctx context.Context) {
	ticker := time.NewTicker(k.cfg.SweepInterval)
	defer ticker.Stop()
	logger := slog.Default().With("component", "governance_sweeper")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := k.suites.SweepExpiredInvites(ctx); err != nil {
				logger.Error("invite sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("expired invites swept", "count", n)
			}
			if n, err := k.suites.SweepStaleRuns(ctx, k.cfg.RunGrace); err != nil {
				logger.Error("stale run sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("stale runs failed", "count", n)
			}
			if n, err := k.exports.ProcessPending(ctx); err != nil {
				logger.Error("export processing failed", "error", err)
			} else if n > 0 {
				logger.Info("exports processed", "count", n)
			}
		}
	}
}

func runSweep(stdout, stderr io.Writer) int {
	ctx := context.Background()
	k, err := buildKernel(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "uprd: %v\n", err)
		return 1
	}
	defer k.close(ctx)

	expired, err := k.envelopes.SweepExpired(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "uprd: envelope sweep: %v\n", err)
		return 1
	}
	stale, err := k.replays.SweepStale(ctx, k.cfg.ReplayGrace)
	if err != nil {
		fmt.Fprintf(stderr, "uprd: replay sweep: %v\n", err)
		return 1
	}
	invites, err := k.suites.SweepExpiredInvites(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "uprd: invite sweep: %v\n", err)
		return 1
	}
	runs, err := k.suites.SweepStaleRuns(ctx, k.cfg.RunGrace)
	if err != nil {
		fmt.Fprintf(stderr, "uprd: run sweep: %v\n", err)
		return 1
	}
	exports, err := k.exports.ProcessPending(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "uprd: export sweep: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "swept: %d envelopes expired, %d replays failed, %d invites expired, %d runs failed, %d exports processed\n",
		expired, stale, invites, runs, exports)
	return 0
}

func runPurgePass(apply bool, stdout, stderr io.Writer) int {
	ctx := context.Background()
	k, err := buildKernel(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "uprd: %v\n", err)
		return 1
	}
	defer k.close(ctx)

	job, err := k.purger.Run(ctx, !apply)
	if err != nil {
		fmt.Fprintf(stderr, "uprd: purge: %v\n", err)
		return 1
	}
	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "uprd: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(out))
	return 0
}
