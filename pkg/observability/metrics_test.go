package observability

import (
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NotNil(t, m)

	m.RecordDenial("can_edit")
	m.RecordSelfHeal("provisioned")
	m.RecordTransition("cancel", nil)
	m.RecordCache("hit")

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["odometer_entitlement_denials_total"])
	assert.True(t, names["odometer_selfheal_total"])
	assert.True(t, names["odometer_lifecycle_transitions_total"])
	assert.True(t, names["odometer_directory_cache_total"])
}

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordDenial("resource_access")
	m.RecordDenial("resource_access")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EntitlementDenialsTotal.WithLabelValues("resource_access")))

	m.RecordTransition("downgrade", errors.New("boom"))
	m.RecordTransition("downgrade", nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LifecycleTransitionsTotal.WithLabelValues("downgrade", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LifecycleTransitionsTotal.WithLabelValues("downgrade", "success")))

	m.ObserveDBStats(sql.DBStats{InUse: 3, Idle: 2})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DBConnectionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DBConnectionsIdle))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDenial("can_edit")
		m.RecordSelfHeal("reconnected")
		m.RecordTransition("upgrade", nil)
		m.RecordCache("miss")
		m.ObserveDBStats(sql.DBStats{})
	})
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/vehicles/{id}/access", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/vehicles/"+id+"/access", nil))
		assert.Equal(t, http.StatusForbidden, w.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/vehicles/{id}/access", "403")))
}

func TestMetricsHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.RecordSelfHeal("integrity_risk")

	w := httptest.NewRecorder()
	MetricsHandler(registry).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `odometer_selfheal_total{outcome="integrity_risk"} 1`))
}
