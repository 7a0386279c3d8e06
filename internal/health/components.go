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

package health

import "fmt"

// SupervisorState is the subset of *supervisor.Supervisor's state health
// needs. Defined as an interface here, not imported directly, so this
// package never depends on supervisor (and can be unit-tested with a
// fake).
type SupervisorState interface {
	Fatal() bool
	BreakerOpen() bool
}

// SupervisorComponent reports Down once the supervisor has given up
// (fatal) and Degraded while its circuit breaker is open.
type SupervisorComponent struct{ s SupervisorState }

func NewSupervisorComponent(s SupervisorState) *SupervisorComponent {
	return &SupervisorComponent{s: s}
}

func (c *SupervisorComponent) Name() string { return "supervisor" }

func (c *SupervisorComponent) Health() (Status, string) {
	if c.s.Fatal() {
		return Down, "runtime supervisor exhausted restart budget"
	}
	if c.s.BreakerOpen() {
		return Degraded, "circuit breaker open"
	}
	return Ready, ""
}

// CacheState is the subset of *cache.Cache's state health needs.
type CacheState interface {
	Utilization() float64 // sizeBytes / capBytes, in [0, 1]
}

// CacheComponent degrades once the artifact cache is nearly full —
// evictions under pressure are normal, but sustained near-100% utilization
// usually means the cap is undersized for the working set.
type CacheComponent struct {
	c                CacheState
	degradedAbove    float64
}

func NewCacheComponent(c CacheState, degradedAbove float64) *CacheComponent {
	if degradedAbove <= 0 {
		degradedAbove = 0.95
	}
	return &CacheComponent{c: c, degradedAbove: degradedAbove}
}

func (c *CacheComponent) Name() string { return "cache" }

func (c *CacheComponent) Health() (Status, string) {
	u := c.c.Utilization()
	if u >= c.degradedAbove {
		return Degraded, fmt.Sprintf("cache utilization %.1f%%", u*100)
	}
	return Ready, ""
}

// RegistryState is the subset of *registry.Registry's state health needs.
type RegistryState interface {
	Utilization() float64
}

// RegistryComponent degrades once the stream registry is near its
// active-stream cap — new generate calls are about to start seeing
// ADMIT_REJECTED.
type RegistryComponent struct {
	r             RegistryState
	degradedAbove float64
}

func NewRegistryComponent(r RegistryState, degradedAbove float64) *RegistryComponent {
	if degradedAbove <= 0 {
		degradedAbove = 0.9
	}
	return &RegistryComponent{r: r, degradedAbove: degradedAbove}
}

func (c *RegistryComponent) Name() string { return "registry" }

func (c *RegistryComponent) Health() (Status, string) {
	u := c.r.Utilization()
	if u >= c.degradedAbove {
		return Degraded, fmt.Sprintf("registry utilization %.1f%%", u*100)
	}
	return Ready, ""
}
