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

// Package healthz aggregates named component health checks behind a
// single HTTP endpoint.
package healthz

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	logger "github.com/accelstack/devmem/pkg/log"
)

var (
	lock     sync.Mutex
	checkers = map[string]CheckFn{}
	sorted   []string

	log = logger.Get("health-check")
)

// CheckFn reports the health of one component.
type CheckFn func() (Status, error)

// Status describes the health of a component or the whole.
type Status int

const (
	// Healthy components work as expected.
	Healthy Status = iota
	// Degraded components work, with limitations.
	Degraded
	// NonFunctional components do not work.
	NonFunctional
)

// Setup prepares the given HTTP request multiplexer for serving healthz.
func Setup(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", serve)
}

// Register registers a named health checker. Registering the same name
// twice panics.
func Register(name string, fn CheckFn) {
	lock.Lock()
	defer lock.Unlock()

	if _, conflict := checkers[name]; conflict {
		log.Panic("health checker %q already registered", name)
	}

	checkers[name] = fn
	sorted = append(sorted, name)
	sort.Strings(sorted)
}

func serve(w http.ResponseWriter, req *http.Request) {
	status, details := check()
	if status == Healthy {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			log.Error("failed to write response: %v", err)
		}
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	if _, err := w.Write([]byte(strings.Join(details, ""))); err != nil {
		log.Error("failed to write response: %v", err)
	}
}

// check runs all registered checkers, reporting the worst status seen
// and one detail line per unhealthy component, in name order.
func check() (Status, []string) {
	status := Healthy
	details := []string{}

	lock.Lock()
	defer lock.Unlock()

	for _, name := range sorted {
		if s, err := checkers[name](); s != Healthy {
			if s > status {
				status = s
			}
			if err != nil {
				details = append(details, fmt.Sprintf("%s: %v\n", name, err))
				log.Error("component %s reported unhealthy: %v", name, err)
			}
		}
	}

	return status, details
}
