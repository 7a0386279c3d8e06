package qos

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	return Policy{
		ID:          "p1",
		Version:     1,
		Metric:      "ttft_ms",
		Tenant:      "*",
		Enabled:     true,
		Percentile:  0.99,
		Threshold:   100,
		Window:      time.Minute,
		Remediation: []string{"alert"},
	}
}

func TestEvaluatorEmitsViolationOnBreach(t *testing.T) {
	var violations []Violation
	e := NewEvaluator(nil, func(v Violation) { violations = append(violations, v) }, nil)
	e.SetPolicies([]Policy{testPolicy()})

	now := time.Now()
	for i := 0; i < 10; i++ {
		e.Observe("ttft_ms", "tenantA", 200, now)
	}

	require.NotEmpty(t, violations)
	assert.Equal(t, "p1", violations[0].PolicyID)
	assert.True(t, e.Active("p1"))
}

func TestEvaluatorClearsAfterTwoConsecutiveNonBreachingWindows(t *testing.T) {
	var cleared []string
	e := NewEvaluator(nil, func(Violation) {}, func(id string) { cleared = append(cleared, id) })
	e.SetPolicies([]Policy{testPolicy()})

	now := time.Now()
	for i := 0; i < 10; i++ {
		e.Observe("ttft_ms", "tenantA", 200, now)
	}
	require.True(t, e.Active("p1"))

	later := now.Add(2 * time.Minute)
	e.Observe("ttft_ms", "tenantA", 1, later)
	assert.True(t, e.Active("p1"), "one non-breaching window should not clear yet")

	e.Observe("ttft_ms", "tenantA", 1, later)
	assert.False(t, e.Active("p1"), "two consecutive non-breaching windows should clear")
	assert.Equal(t, []string{"p1"}, cleared)
}

func TestEvaluatorIgnoresNonMatchingMetricOrTenant(t *testing.T) {
	var violations int
	e := NewEvaluator(nil, func(Violation) { violations++ }, nil)
	scoped := testPolicy()
	scoped.Tenant = "tenantB"
	e.SetPolicies([]Policy{scoped})

	now := time.Now()
	e.Observe("ttft_ms", "tenantA", 999, now)
	e.Observe("throughput", "tenantB", 999, now)

	assert.Equal(t, 0, violations)
}

func TestEvaluatorWildcardTenantPolicyMatchesAnyTenant(t *testing.T) {
	var violations int
	e := NewEvaluator(nil, func(Violation) { violations++ }, nil)
	e.SetPolicies([]Policy{testPolicy()})

	now := time.Now()
	for i := 0; i < 10; i++ {
		e.Observe("ttft_ms", "any-tenant", 500, now)
	}
	assert.Greater(t, violations, 0)
}
