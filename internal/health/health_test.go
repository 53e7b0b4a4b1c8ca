package health

import (
	"net/http/httptest"
	"testing"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorlens/tensorlens/internal/broadcast"
	"github.com/tensorlens/tensorlens/internal/storage"
)

func staticChecker(name string, status Status) Checker {
	return func() Component {
		return Component{Name: name, Status: status}
	}
}

func TestManager_WorstComponentWins(t *testing.T) {
	m := NewManager(nil,
		staticChecker("a", StatusHealthy),
		staticChecker("b", StatusDegraded),
		staticChecker("c", StatusHealthy),
	)

	report := m.Report()
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Len(t, report.Components, 3)
	assert.NotEmpty(t, report.System.GoVersion)
}

func TestManager_ServeHTTP(t *testing.T) {
	m := NewManager(nil, staticChecker("a", StatusHealthy))

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, 200, rec.Code)

	var report Report
	require.NoError(t, gojson.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusHealthy, report.Status)
}

func TestManager_UnhealthyReturns503(t *testing.T) {
	m := NewManager(nil, staticChecker("a", StatusUnhealthy))

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 503, rec.Code)
}

func TestBridgeChecker(t *testing.T) {
	hub := broadcast.NewHub(nil, time.Second)

	c := BridgeChecker(hub)()
	assert.Equal(t, StatusUnhealthy, c.Status)

	hub.Start()
	t.Cleanup(hub.Stop)

	c = BridgeChecker(hub)()
	assert.Equal(t, StatusHealthy, c.Status)
	assert.Equal(t, 0, c.Metadata["connections"])
}

func TestStoreChecker(t *testing.T) {
	s := storage.NewTensorStore(time.Hour)

	c := StoreChecker("tensor_store", s.Usage)()
	assert.Equal(t, StatusHealthy, c.Status)
	assert.Equal(t, "tensor_store", c.Name)
	assert.Equal(t, 0, c.Metadata["count"])
}
