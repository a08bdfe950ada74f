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
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/accelstack/devmem/pkg/devmem"
	"github.com/accelstack/devmem/pkg/devrt"

	logger "github.com/accelstack/devmem/pkg/log"
)

// stress drives a randomized allocation workload against a manager:
// rate-paced workers allocate blocks of random size, keep a bounded set
// of them live, record streams on some, and free the rest as they go.
type stress struct {
	m       *devmem.Manager
	rt      devrt.Runtime
	limiter *rate.Limiter
	oom     logger.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	allocs   atomic.Int64
	frees    atomic.Int64
	failures atomic.Int64
}

func newStress(m *devmem.Manager) *stress {
	return &stress{
		m:       m,
		rt:      devrt.Get(),
		limiter: rate.NewLimiter(rate.Limit(opt.allocRate), int(opt.allocRate/10)+1),
		oom: logger.RateLimit(logger.Get("stress"),
			logger.Rate{Limit: logger.Every(time.Second), Burst: 1}),
	}
}

func (s *stress) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	id := 0
	for dev := 0; dev < s.rt.DeviceCount(); dev++ {
		for w := 0; w < opt.workers; w++ {
			s.wg.Add(1)
			go s.worker(ctx, id, devrt.Accel(dev))
			id++
		}
	}
	for w := 0; w < opt.hostWorkers; w++ {
		s.wg.Add(1)
		go s.worker(ctx, id, devrt.Host())
		id++
	}

	s.wg.Add(1)
	go s.reporter(ctx)

	log.Info("started %d allocation workers", id)
}

func (s *stress) stop() {
	s.cancel()
	s.wg.Wait()

	log.Info("workload done: %d allocations, %d frees, %d failures",
		s.allocs.Load(), s.frees.Load(), s.failures.Load())
}

func (s *stress) worker(ctx context.Context, id int, d devrt.Device) {
	defer s.wg.Done()

	rng := rand.New(rand.NewSource(opt.seed + int64(id)))

	var (
		stream     devrt.Stream
		haveStream bool
	)
	if !d.IsHost() && d.HasIndex() {
		if str, err := s.rt.NewStream(d.Index()); err == nil {
			stream, haveStream = str, true
		}
	}

	held := make([]*devmem.Block, 0, opt.liveBlocks)
	defer func() {
		for _, b := range held {
			if err := s.m.Free(b); err != nil {
				log.Error("worker #%d: failed to free %s: %v", id, b, err)
			}
		}
	}()

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		if len(held) >= opt.liveBlocks {
			s.release(&held, rng)
			continue
		}

		b, err := s.m.Allocate(d, s.blockSize(rng))
		if err != nil {
			s.failures.Add(1)
			if errors.Is(err, devmem.ErrResourceExhaustion) {
				s.oom.Warn("%s: %v", d, err)
				s.release(&held, rng)
				continue
			}
			log.Error("worker #%d: allocation on %s failed: %v", id, d, err)
			return
		}
		s.allocs.Add(1)

		if haveStream && rng.Intn(4) == 0 {
			devmem.RecordStream(b, stream)
		}

		held = append(held, b)

		if rng.Intn(2) == 0 {
			s.release(&held, rng)
		}
	}
}

// release frees one randomly picked held block.
func (s *stress) release(held *[]*devmem.Block, rng *rand.Rand) {
	blocks := *held
	if len(blocks) == 0 {
		return
	}

	i := rng.Intn(len(blocks))
	b := blocks[i]
	blocks[i] = blocks[len(blocks)-1]
	*held = blocks[:len(blocks)-1]

	if err := s.m.Free(b); err != nil {
		log.Error("failed to free %s: %v", b, err)
		return
	}
	s.frees.Add(1)
}

// blockSize picks a random request size, skewed towards small blocks.
func (s *stress) blockSize(rng *rand.Rand) int64 {
	max := opt.maxBlockSize
	if max < 1 {
		max = 1
	}
	if rng.Intn(8) > 0 && max > 4096 {
		max = 4096
	}
	return 1 + rng.Int63n(max)
}

func (s *stress) reporter(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(opt.reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Info("%d allocations, %d frees, %d failures so far",
				s.allocs.Load(), s.frees.Load(), s.failures.Load())
			s.m.DumpState("stress")
			s.m.DumpUsage("stress")
			s.m.DumpMetrics("stress")
		}
	}
}
