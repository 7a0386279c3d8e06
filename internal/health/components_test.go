package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeSupervisorState struct {
	fatal   bool
	breaker bool
}

func (f fakeSupervisorState) Fatal() bool       { return f.fatal }
func (f fakeSupervisorState) BreakerOpen() bool { return f.breaker }

type fakeUtilState struct{ u float64 }

func (f fakeUtilState) Utilization() float64 { return f.u }

func TestSupervisorComponentDownWhenFatal(t *testing.T) {
	c := NewSupervisorComponent(fakeSupervisorState{fatal: true})
	status, _ := c.Health()
	assert.Equal(t, Down, status)
}

func TestSupervisorComponentDegradedWhenBreakerOpen(t *testing.T) {
	c := NewSupervisorComponent(fakeSupervisorState{breaker: true})
	status, _ := c.Health()
	assert.Equal(t, Degraded, status)
}

func TestSupervisorComponentReadyOtherwise(t *testing.T) {
	c := NewSupervisorComponent(fakeSupervisorState{})
	status, _ := c.Health()
	assert.Equal(t, Ready, status)
}

func TestCacheComponentDegradesAboveThreshold(t *testing.T) {
	c := NewCacheComponent(fakeUtilState{u: 0.99}, 0.95)
	status, reason := c.Health()
	assert.Equal(t, Degraded, status)
	assert.NotEmpty(t, reason)
}

func TestRegistryComponentReadyBelowThreshold(t *testing.T) {
	c := NewRegistryComponent(fakeUtilState{u: 0.1}, 0.9)
	status, _ := c.Health()
	assert.Equal(t, Ready, status)
}
