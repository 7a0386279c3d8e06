// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is fabricd, the host-side orchestration daemon: it spawns
// and supervises one model runtime subprocess, and wires the stream
// registry, generate batcher, artifact cache, model manager, QoS monitor,
// and canary router together around it. This file is responsible for
// orchestrating the whole process: component construction, background
// worker startup, the health HTTP surface, and graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"fabric/internal/batcher"
	"fabric/internal/cache"
	"fabric/internal/canary"
	"fabric/internal/config"
	"fabric/internal/health"
	"fabric/internal/logging"
	"fabric/internal/modelmanager"
	"fabric/internal/qos"
	"fabric/internal/registry"
	"fabric/internal/rpcproto"
	"fabric/internal/runtimeclient"
	"fabric/internal/supervisor"
	"fabric/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to fabricd.yaml (overrides the default search paths)")
	flag.Parse()

	var loaderOpts []config.LoaderOption
	if *configPath != "" {
		loaderOpts = append(loaderOpts, config.WithConfigPaths(*configPath))
	}
	cfg := config.MustLoad(loaderOpts...)

	log := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	slog.SetDefault(log)

	rc := runtimeclient.New()

	reg := registry.New(registry.Options{
		MaxActiveStreams:   int64(cfg.Registry.MaxActiveStreams),
		DefaultTimeout:     cfg.Registry.DefaultTimeout,
		TimeoutSweepPeriod: cfg.Registry.SweepInterval,
		GracePeriod:        cfg.Registry.GracePeriod,
	})
	reg.Start(cfg.Registry.SweepInterval)
	defer reg.Stop()

	bat := batcher.New(batcher.Config{
		InitialTargetBatchSize:  cfg.Batcher.InitialTargetBatchSize,
		MinBatchSize:            cfg.Batcher.MinBatchSize,
		MaxBatchSize:            cfg.Batcher.MaxBatchSize,
		MinHold:                 cfg.Batcher.MinHold,
		MaxHold:                 cfg.Batcher.MaxHold,
		BackgroundHoldExtension: cfg.Batcher.BackgroundHoldExtension,
		TargetBatchTime:         cfg.Batcher.TargetBatchTime,
		BackpressureThreshold:   cfg.Batcher.BackpressureUtilization,
		PauseOnBackpressure:     cfg.Batcher.PauseOnBackpressure,
	}, rc, reg, log)
	bat.Start()
	defer bat.Stop()

	// generator.Factory is constructed by whatever embeds this orchestration
	// core and issues generate() calls (see cmd/loadgen for a self-contained
	// exerciser) — fabricd itself owns only the supervisor/registry/batcher
	// machinery those calls run through, not a generate-serving surface of
	// its own.

	artifactCache := cache.New(cache.Config{
		Dir:      cfg.Cache.Directory,
		CapBytes: cfg.Cache.CapacityBytes,
		Logger:   log,
	})

	// modelMgr is constructed after sup (it needs sup as its
	// GenerationSource) but sup's restart hook needs to reach modelMgr —
	// declared here and assigned below so the closure captures the
	// variable, not a nil value.
	var modelMgr *modelmanager.Manager
	sup := supervisor.New(
		&supervisor.ExecLauncher{Command: cfg.Supervisor.Command, Args: cfg.Supervisor.Args},
		buildTransportFactory(rc, reg, cfg, log),
		supervisor.Options{
			StartupTimeout:   cfg.Supervisor.StartupTimeout,
			ShutdownTimeout:  cfg.Supervisor.ShutdownTimeout,
			MaxRestarts:      cfg.Supervisor.MaxRestarts,
			InitialBackoff:   cfg.Supervisor.InitialBackoff,
			MaxBackoff:       cfg.Supervisor.MaxBackoff,
			BreakerThreshold: int64(cfg.Supervisor.BreakerThreshold),
			BreakerCooldown:  cfg.Supervisor.BreakerCooldown,
			Logger:           log,
			// A runtime restart invalidates every handle issued against the
			// generation that just died, the moment the process is known
			// gone — not after the replacement has finished starting up.
			OnRuntimeRestart: func() {
				if modelMgr == nil {
					return
				}
				modelMgr.InvalidateAll("runtime_restart", func(modelID string) {
					log.Warn("model handle invalidated by runtime restart", "modelId", modelID)
				})
			},
		},
	)

	modelMgr = modelmanager.New(modelmanager.Config{
		Cache:      artifactCache,
		Caller:     rc,
		Fetcher:    runtimeclient.NewLocalShardFetcher(),
		Generation: sup,
		Logger:     log,
	})

	hub := newOperatorBus(log)

	watcherCtx, cancelWatcher := context.WithCancel(context.Background())
	defer cancelWatcher()

	var qosExecutor *qos.Executor
	var qosEvaluator *qos.Evaluator
	var qosWatcher *qos.Watcher
	var pgPool *pgxpool.Pool
	if cfg.QoS.Enabled {
		qosExecutor = qos.NewExecutor(qos.ExecutorConfig{
			Scaler: bat,
			Guard:  reg,
			Bus:    hub,
			Logger: log,
		})
		qosEvaluator = qos.NewEvaluator(log,
			func(v qos.Violation) {
				log.Warn("qos violation observed", "policy", v.PolicyID, "metric", v.Metric, "tenant", v.Tenant, "observed", v.Observed, "threshold", v.Threshold)
				policy, ok := qosEvaluator.Policy(v.PolicyID)
				if !ok || len(policy.Remediation) == 0 {
					return
				}
				for _, res := range qosExecutor.Dispatch(v, policy.Remediation, policy.DryRun) {
					if res.Err != nil {
						log.Error("qos remediation failed", "policy", v.PolicyID, "handler", res.Handler, "error", res.Err)
					}
				}
			},
			func(policyID string) {
				log.Info("qos violation cleared", "policy", policyID)
				if policy, ok := qosEvaluator.Policy(policyID); ok && policy.Remediation != nil {
					qosExecutor.ReopenAdmission()
				}
			},
		)

		if cfg.QoS.StoreEnabled && cfg.QoS.PolicyBackend == "postgres" {
			var err error
			pgPool, err = pgxpool.New(context.Background(), cfg.QoS.PostgresDSN)
			if err != nil {
				log.Error("failed to connect qos policy store", "error", err)
			} else {
				store := qos.NewPolicyStore(pgPool)
				if policies, err := store.List(context.Background()); err != nil {
					log.Error("failed to load qos policies", "error", err)
				} else {
					qosEvaluator.SetPolicies(policies)
				}
			}
		} else if cfg.QoS.PolicyBackend == "file" && cfg.QoS.PolicyFilePath != "" {
			reloader := qos.NewFileReloader(cfg.QoS.PolicyFilePath)
			if policies, err := reloader.List(context.Background()); err != nil {
				log.Warn("qos policy file not readable yet, starting with no policies", "error", err)
			} else {
				qosEvaluator.SetPolicies(policies)
			}
			w, err := qos.NewWatcher(cfg.QoS.PolicyFilePath)
			if err != nil {
				log.Error("failed to start qos policy watcher", "error", err)
			} else {
				qosWatcher = w
				go func() {
					if err := w.Run(watcherCtx, reloader, qosEvaluator, log); err != nil {
						log.Error("qos policy watcher stopped", "error", err)
					}
				}()
			}
		}
	}

	var canaryRouter *canary.Router
	var canaryMetrics *canary.MetricsAggregator
	var rollbackCtl *canary.RollbackController
	var redisClient *redis.Client
	if cfg.Canary.Enabled {
		canaryRouter = canary.NewRouter(cfg.Canary.HashSeed, cfg.Canary.Percentage)
		canaryMetrics = canary.NewMetricsAggregator(cfg.Canary.EvaluationWindow)
		rollbackCtl = canary.NewRollbackController(canary.RollbackConfig{
			EvaluationWindow:    cfg.Canary.EvaluationWindow,
			ErrorRateDelta:      cfg.Canary.ErrorRateDelta,
			P99LatencyThreshold: float64(cfg.Canary.P99LatencyThreshold.Milliseconds()),
			Cooldown:            cfg.Canary.CooldownDuration,
		}, canaryRouter, canaryMetrics, hub, log)
		rollbackCtl.Start()

		if cfg.QoS.RedisAddr != "" {
			redisClient = redis.NewClient(&redis.Options{Addr: cfg.QoS.RedisAddr})
			store := canary.NewStateStore(redisClient, "fabric:canary:")
			if err := store.Restore(context.Background(), canaryRouter); err != nil {
				log.Warn("failed to restore canary router state", "error", err)
			}
		}
	}

	healthAgg := health.New()
	healthAgg.Register(health.NewSupervisorComponent(sup))
	healthAgg.Register(health.NewCacheComponent(artifactCache, 0))
	healthAgg.Register(health.NewRegistryComponent(reg, 0))

	mux := http.NewServeMux()
	healthAgg.RegisterRoutes(mux)
	httpServer := &http.Server{Addr: cfg.Health.Addr, Handler: mux}

	if cfg.Health.Enabled {
		go func() {
			log.Info("health server listening", "addr", cfg.Health.Addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("health server failed", "error", err)
			}
		}()
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), cfg.Supervisor.StartupTimeout)
	if err := sup.EnsureStarted(startupCtx); err != nil {
		log.Error("runtime failed to start", "error", err)
	}
	cancelStartup()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down fabricd")

	if rollbackCtl != nil {
		rollbackCtl.Stop()
	}
	if qosWatcher != nil {
		qosWatcher.Close()
	}
	if pgPool != nil {
		pgPool.Close()
	}
	if redisClient != nil {
		redisClient.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.ShutdownTimeout)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Error("runtime shutdown failed", "error", err)
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Error("health server shutdown failed", "error", err)
	}

	log.Info("fabricd stopped")
}

// buildTransportFactory returns the supervisor.TransportFactory that wires
// each new subprocess generation's stdio into a fresh Transport, installs
// it as the runtime client's current transport, and probes runtime/info
// before reporting the spawn as healthy.
func buildTransportFactory(rc *runtimeclient.Client, reg *registry.Registry, cfg *config.Config, log *slog.Logger) supervisor.TransportFactory {
	return func(stdin io.WriteCloser, stdout io.ReadCloser) (func(context.Context) error, func()) {
		tr := transport.New(stdin, reg, failureObserver{}, transport.Options{
			WriteHighWaterMarkBytes: cfg.Transport.WriteHighWaterMarkBytes,
			Logger:                  log,
		})
		tr.Start(stdout)
		rc.Swap(tr)

		probe := func(ctx context.Context) error {
			_, err := tr.Call(ctx, rpcproto.MethodRuntimeInfo, nil)
			return err
		}
		onExit := func() {}
		return probe, onExit
	}
}

// failureObserver satisfies transport.FailureObserver; fatal transport
// failures are already surfaced to the registry via EventSink.Fail, and
// the supervisor's own monitor goroutine (watching the subprocess Wait)
// is what actually drives restarts, so this is intentionally inert.
type failureObserver struct{}

func (failureObserver) OnTransportFailure(err error) {}

// operatorBus is the default qos.OperatorBus / canary.EventBus: it logs
// structured events at warn level. A real deployment would swap this for
// a Slack/pager webhook, but fabricd itself only needs an audit trail.
type operatorBus struct {
	log *slog.Logger
}

func newOperatorBus(log *slog.Logger) *operatorBus { return &operatorBus{log: log} }

func (b *operatorBus) Publish(event string, fields map[string]any) {
	args := make([]any, 0, len(fields)*2+2)
	args = append(args, "event", event)
	for k, v := range fields {
		args = append(args, k, v)
	}
	b.log.Warn(fmt.Sprintf("operator event: %s", event), args...)
}
