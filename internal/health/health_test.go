package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeComponent struct {
	name   string
	status Status
	reason string
}

func (f fakeComponent) Name() string            { return f.name }
func (f fakeComponent) Health() (Status, string) { return f.status, f.reason }

func TestAggregatorReadyWhenAllComponentsReady(t *testing.T) {
	a := New()
	a.Register(fakeComponent{name: "a", status: Ready})
	a.Register(fakeComponent{name: "b", status: Ready})

	report := a.Evaluate()
	assert.Equal(t, Ready, report.Status)
}

func TestAggregatorDegradedWhenAnyComponentDegraded(t *testing.T) {
	a := New()
	a.Register(fakeComponent{name: "a", status: Ready})
	a.Register(fakeComponent{name: "b", status: Degraded, reason: "busy"})

	report := a.Evaluate()
	assert.Equal(t, Degraded, report.Status)
	assert.Equal(t, "busy", report.Components["b"].Reason)
}

func TestAggregatorDownWhenAnyComponentDown(t *testing.T) {
	a := New()
	a.Register(fakeComponent{name: "a", status: Degraded})
	a.Register(fakeComponent{name: "b", status: Down, reason: "dead"})

	report := a.Evaluate()
	assert.Equal(t, Down, report.Status)
}

func TestHealthzHandlerReturns503WhenDown(t *testing.T) {
	a := New()
	a.Register(fakeComponent{name: "a", status: Down, reason: "dead"})
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, Down, report.Status)
}

func TestHealthzHandlerReturns200WhenReadyOrDegraded(t *testing.T) {
	a := New()
	a.Register(fakeComponent{name: "a", status: Degraded})
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
