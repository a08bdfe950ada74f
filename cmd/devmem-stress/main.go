// Copyright The devmem Authors. All Rights Reserved.
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

package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/accelstack/devmem/pkg/devmem"
	"github.com/accelstack/devmem/pkg/devmem/bestfit"
	"github.com/accelstack/devmem/pkg/devrt"
	"github.com/accelstack/devmem/pkg/healthz"
	"github.com/accelstack/devmem/pkg/metrics"
	"github.com/accelstack/devmem/pkg/version"

	logger "github.com/accelstack/devmem/pkg/log"

	_ "github.com/accelstack/devmem/pkg/devmem/register"
	_ "github.com/accelstack/devmem/pkg/metrics/collectors"
)

var log = logger.Default()

type options struct {
	configFile     string
	httpAddr       string
	workers        int
	hostWorkers    int
	allocRate      float64
	maxBlockSize   int64
	liveBlocks     int
	duration       time.Duration
	reportInterval time.Duration
	seed           int64
}

var opt = options{}

func parseCmdline() {
	flag.StringVar(&opt.configFile, "config", "",
		"Allocator configuration file to read.")
	flag.StringVar(&opt.httpAddr, "http-address", ":8891",
		"Address to serve metrics and health checks on.")
	flag.IntVar(&opt.workers, "workers", 2,
		"Number of allocation workers per accelerator device.")
	flag.IntVar(&opt.hostWorkers, "host-workers", 1,
		"Number of allocation workers for pinned host memory.")
	flag.Float64Var(&opt.allocRate, "allocation-rate", 1000,
		"Target number of allocations per second, shared by all workers.")
	flag.Int64Var(&opt.maxBlockSize, "max-block-size", 1<<20,
		"Largest block size to request, in bytes.")
	flag.IntVar(&opt.liveBlocks, "live-blocks", 64,
		"Number of blocks each worker keeps live at a time.")
	flag.DurationVar(&opt.duration, "duration", 0,
		"How long to run the workload. 0 runs until interrupted.")
	flag.DurationVar(&opt.reportInterval, "report-interval", 15*time.Second,
		"Interval between allocator state dumps.")
	flag.Int64Var(&opt.seed, "seed", 0,
		"Random seed for the workload. 0 seeds from the clock.")
	flag.Parse()

	if opt.seed == 0 {
		opt.seed = time.Now().UnixNano()
	}
}

func readConfig() *devmem.Config {
	if opt.configFile == "" {
		return devmem.DefaultConfig()
	}

	cfg, err := devmem.ReadConfig(opt.configFile)
	if err != nil {
		log.Fatal("failed to read configuration: %v", err)
	}
	return cfg
}

func serveHTTP() *http.Server {
	g, err := metrics.NewGatherer(
		metrics.WithNamespace("devmem"),
		metrics.WithMetrics([]string{"*"}, nil),
	)
	if err != nil {
		log.Fatal("failed to set up metrics gatherer: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	healthz.Setup(mux)

	srv := &http.Server{Addr: opt.httpAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server exited: %v", err)
		}
	}()

	log.Info("serving metrics on %s/metrics", opt.httpAddr)

	return srv
}

func main() {
	logger.SetStdLogger("stdlog")
	parseCmdline()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			fmt.Printf("devmem-stress version %s, build %s\n", version.Version, version.Build)
			os.Exit(0)
		default:
			log.Error("unknown command line arguments: %s", strings.Join(args, ","))
			flag.Usage()
			os.Exit(1)
		}
	}

	logger.Flush()
	logger.SetupDebugToggleSignal(syscall.SIGUSR1)
	log.Info("devmem-stress (version %s, build %s) starting...", version.Version, version.Build)

	cfg := readConfig()
	log.Info("using configuration %s", cfg)

	if cfg.DeviceCount > 0 {
		devrt.SetRuntime(devrt.NewFake(devrt.WithDeviceCount(cfg.DeviceCount)))
	}
	if cfg.MaxCachedBytes > 0 {
		bestfit.Configure(bestfit.WithMaxCached(cfg.MaxCachedBytes))
	}

	m, err := devmem.NewManager(devmem.WithConfig(cfg))
	if err != nil {
		log.Fatal("failed to create allocator manager: %v", err)
	}
	if err := m.InitCachingAllocator(); err != nil {
		log.Fatal("failed to install the caching allocator front: %v", err)
	}
	if err := m.RegisterMetrics(); err != nil {
		log.Fatal("failed to register allocator metrics: %v", err)
	}

	healthz.Register("devmem", func() (healthz.Status, error) {
		if _, err := m.CurrentAllocatedBytes(devrt.Host()); err != nil {
			return healthz.Degraded, err
		}
		return healthz.Healthy, nil
	})

	srv := serveHTTP()

	s := newStress(m)
	s.start()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	var timeout <-chan time.Time
	if opt.duration > 0 {
		timeout = time.After(opt.duration)
	}

	select {
	case sig := <-sigs:
		log.Info("received signal %v, shutting down...", sig)
	case <-timeout:
		log.Info("%s workload duration reached, shutting down...", opt.duration)
	}

	s.stop()

	m.DumpState("final")
	m.DumpMetrics("final")

	if err := m.ReleaseAllMemory(); err != nil {
		log.Error("failed to release allocator memory: %v", err)
	}

	srv.Close()
	logger.Flush()
}
