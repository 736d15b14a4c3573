package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/golang/snappy"
	"github.com/leozw/shopcore/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/prometheus/prompb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Records(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry(), config.MimirConfig{})

	c.RecordConnectionOpened("shop-a", 1)
	c.RecordConnectionOpened("shop-a", 1)
	c.RecordConnectionEvicted("shop-a", 0)
	c.RecordAutomationRun("shop-a", true, 0.2, 3, 1)
	c.RecordAutomationRun("shop-a", false, 0.1, 9, 9)
	c.RecordBalanceVerification("shop-a", "customer", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.connectionsOpened.WithLabelValues("shop-a")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.connectionsCached))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.automationConversions.WithLabelValues("shop-a", "sales")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.automationRuns.WithLabelValues("shop-a", "aborted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.balanceVerifications.WithLabelValues("shop-a", "customer", "mismatch")))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordConnectionOpened("shop-a", 1)
		c.RecordAutomationRun("shop-a", true, 1, 1, 1)
		c.RecordBalanceDrift("shop-a", "supplier", 2)
	})
}

func TestWriteToMimir_PerTenant(t *testing.T) {
	var (
		mu      sync.Mutex
		tenants = map[string]int{}
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		raw, err := snappy.Decode(nil, body)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var req prompb.WriteRequest
		if !assert.NoError(t, req.Unmarshal(raw)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		mu.Lock()
		tenants[r.Header.Get("X-Scope-OrgID")] += len(req.Timeseries)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewCollector(prometheus.NewRegistry(), config.MimirConfig{
		URL:          srv.URL,
		TenantHeader: "X-Scope-OrgID",
		BatchSize:    2,
	})
	c.RecordConnectionOpened("shop-a", 2)
	c.RecordConnectionOpened("shop-b", 2)
	c.RecordOrderError("shop-b", "validate")

	require.NoError(t, c.writeToMimir(context.Background(), srv.Client()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, tenants["shop-a"])
	assert.Equal(t, 2, tenants["shop-b"])
	assert.NotContains(t, tenants, "")
}
