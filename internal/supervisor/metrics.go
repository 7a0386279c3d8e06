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

package supervisor

import "github.com/prometheus/client_golang/prometheus"

var (
	breakerStateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_supervisor_breaker_state",
		Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
	})
	restartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_supervisor_restarts_total",
		Help: "Total number of runtime subprocess restarts",
	})
	generationGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_supervisor_generation",
		Help: "Current runtime generation counter",
	})
)

func init() {
	prometheus.MustRegister(breakerStateGauge, restartsTotal, generationGauge)
}
