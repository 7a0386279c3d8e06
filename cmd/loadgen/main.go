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

// loadgen drives synthetic generate() traffic against a model runtime
// subprocess without a running fabricd: it spawns the runtime itself and
// wires up the same registry/transport/generator stack fabricd would, then
// fires concurrent streams at it.
//
// fabricd has no network-facing generate surface (see cmd/fabricd's
// health-only external interface), so this cannot be an HTTP client — it
// is an in-process exerciser that owns its own runtime subprocess, driving
// N generate streams, each drained to completion, across c workers in
// either single-model or Zipf-skewed multi-model mode.
//
// Usage examples:
//
//	loadgen -config=fabricd.yaml -mode=single -model=demo-7b -n=500 -c=8
//	loadgen -config=fabricd.yaml -mode=zipf -hot_model=demo-7b -cold_models=5 -n=2000 -c=16
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fabric/internal/config"
	"fabric/internal/generator"
	"fabric/internal/logging"
	"fabric/internal/qos"
	"fabric/internal/registry"
	"fabric/internal/rpcproto"
	"fabric/internal/runtimeclient"
	"fabric/internal/supervisor"
	"fabric/internal/transport"
)

type modeType string

const (
	modeSingle modeType = "single"
	modeZipf   modeType = "zipf"
)

type runConfig struct {
	mode          modeType
	model         string
	hotModel      string
	coldModels    int
	hotEvery      int
	prompt        string
	n             int
	conc          int
	streamTimeout time.Duration
	runTimeout    time.Duration
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to fabricd.yaml (overrides the default search paths)")
		modeS      = flag.String("mode", string(modeSingle), "Mode: single|zipf")
		model      = flag.String("model", "demo-model", "Model id for single mode")
		hotModel   = flag.String("hot_model", "demo-model", "Hot model id for zipf mode")
		coldN      = flag.Int("cold_models", 5, "Number of cold model ids to round-robin in zipf mode")
		hotEvery   = flag.Int("hot_every", 5, "Zipf-like skew period (all but one of every hot_every requests go to the hot model; minimum 2)")
		prompt     = flag.String("prompt", "the quick brown fox", "Prompt text sent with every request")
		n          = flag.Int("n", 500, "Total generate streams to run")
		conc       = flag.Int("c", 8, "Number of concurrent workers")
		timeout    = flag.Duration("stream_timeout", 30*time.Second, "Per-stream idle timeout")
		runTimeout = flag.Duration("run_timeout", 5*time.Minute, "Overall timeout for the loadgen run")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeSingle && m != modeZipf {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want single|zipf)\n", *modeS)
		os.Exit(2)
	}
	if *n <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	if m == modeZipf {
		if *coldN <= 0 {
			fmt.Fprintln(os.Stderr, "-cold_models must be > 0 in zipf mode")
			os.Exit(2)
		}
		if *hotEvery < 2 {
			*hotEvery = 2
		}
	}

	var loaderOpts []config.LoaderOption
	if *configPath != "" {
		loaderOpts = append(loaderOpts, config.WithConfigPaths(*configPath))
	}
	cfg := config.MustLoad(loaderOpts...)

	log := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: "stderr",
	})

	rc := runtimeclient.New()
	reg := registry.New(registry.Options{
		MaxActiveStreams:   int64(cfg.Registry.MaxActiveStreams),
		DefaultTimeout:     cfg.Registry.DefaultTimeout,
		TimeoutSweepPeriod: cfg.Registry.SweepInterval,
		GracePeriod:        cfg.Registry.GracePeriod,
	})
	reg.Start(cfg.Registry.SweepInterval)
	defer reg.Stop()

	sup := supervisor.New(
		&supervisor.ExecLauncher{Command: cfg.Supervisor.Command, Args: cfg.Supervisor.Args},
		buildTransportFactory(rc, reg, cfg, log),
		supervisor.Options{
			StartupTimeout:  cfg.Supervisor.StartupTimeout,
			ShutdownTimeout: cfg.Supervisor.ShutdownTimeout,
			MaxRestarts:     cfg.Supervisor.MaxRestarts,
			InitialBackoff:  cfg.Supervisor.InitialBackoff,
			MaxBackoff:      cfg.Supervisor.MaxBackoff,
			Logger:          log,
		},
	)

	startupCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.StartupTimeout)
	err := sup.EnsureStarted(startupCtx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "runtime failed to start: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.ShutdownTimeout)
		defer cancel()
		_ = sup.Shutdown(shutdownCtx)
	}()

	run(runConfig{
		mode: m, model: *model, hotModel: *hotModel, coldModels: *coldN, hotEvery: *hotEvery,
		prompt: *prompt, n: *n, conc: *conc, streamTimeout: *timeout, runTimeout: *runTimeout,
	}, reg, rc, cfg)
}

func run(rcfg runConfig, reg *registry.Registry, rc *runtimeclient.Client, cfg *config.Config) {
	factory := generator.New(reg, rc, cfg.Transport.PendingQueueCapacity)

	ctx, cancelRun := context.WithTimeout(context.Background(), rcfg.runTimeout)
	defer cancelRun()

	latencies := qos.NewWindow(rcfg.runTimeout)
	var completed, failed int64

	work := func(id, count int) {
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			modelID := pickModel(rcfg, i, id)
			streamID := fmt.Sprintf("loadgen-%d-%d-%d", id, i, time.Now().UnixNano()%1_000_000)
			started := time.Now()
			if drainStream(ctx, factory, modelID, rcfg.prompt, streamID, rcfg.streamTimeout) {
				atomic.AddInt64(&completed, 1)
			} else {
				atomic.AddInt64(&failed, 1)
			}
			latencies.Add(float64(time.Since(started).Milliseconds()))
		}
	}

	per := rcfg.n / rcfg.conc
	rem := rcfg.n - per*rcfg.conc
	var wg sync.WaitGroup
	wg.Add(rcfg.conc)
	start := time.Now()
	for w := 0; w < rcfg.conc; w++ {
		count := per
		if w == rcfg.conc-1 {
			count += rem
		}
		go func(id, n int) {
			defer wg.Done()
			work(id, n)
		}(w, count)
	}
	wg.Wait()
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}

	ops := float64(rcfg.n) / elapsed.Seconds()
	fmt.Printf("LoadGen: mode=%s n=%d c=%d completed=%d failed=%d duration=%s throughput=%.0f streams/s p50=%.0fms p99=%.0fms\n",
		rcfg.mode, rcfg.n, rcfg.conc, atomic.LoadInt64(&completed), atomic.LoadInt64(&failed),
		elapsed.Truncate(time.Millisecond), ops, latencies.Percentile(50), latencies.Percentile(99))
}

// drainStream runs one generate() call to completion, discarding tokens —
// loadgen measures admission-to-terminal latency and throughput, not
// content correctness. Reports whether the stream reached a non-error
// terminal state.
func drainStream(ctx context.Context, factory *generator.Factory, modelID, prompt, streamID string, timeout time.Duration) bool {
	next, release, err := factory.Generate(ctx, rpcproto.GenerateParams{
		ModelID:  modelID,
		Prompt:   prompt,
		StreamID: streamID,
	}, timeout)
	if err != nil {
		return false
	}
	defer release()
	for {
		item, more := next()
		if item.Kind == generator.KindError {
			return false
		}
		if !more {
			return true
		}
	}
}

func pickModel(rcfg runConfig, i, id int) string {
	if rcfg.mode == modeSingle {
		return rcfg.model
	}
	if ((i + id) % rcfg.hotEvery) != 0 {
		return rcfg.hotModel
	}
	idx := ((i + id) % rcfg.coldModels) + 1
	return fmt.Sprintf("%s-cold-%d", rcfg.hotModel, idx)
}

// buildTransportFactory mirrors cmd/fabricd's factory: every subprocess
// generation gets a fresh Transport installed into the runtime client.
func buildTransportFactory(rc *runtimeclient.Client, reg *registry.Registry, cfg *config.Config, log *slog.Logger) supervisor.TransportFactory {
	return func(stdin io.WriteCloser, stdout io.ReadCloser) (func(context.Context) error, func()) {
		tr := transport.New(stdin, reg, noopFailureObserver{}, transport.Options{
			WriteHighWaterMarkBytes: cfg.Transport.WriteHighWaterMarkBytes,
			Logger:                  log,
		})
		tr.Start(stdout)
		rc.Swap(tr)

		probe := func(ctx context.Context) error {
			_, err := tr.Call(ctx, rpcproto.MethodRuntimeInfo, nil)
			return err
		}
		return probe, func() {}
	}
}

type noopFailureObserver struct{}

func (noopFailureObserver) OnTransportFailure(err error) {}
