package metricsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serverless-containers/guardian/internal/domain"
)

func TestQuery_AggregatesSeries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := queryResponse{Series: []struct {
			Metric string    `json:"metric"`
			Values []float64 `json:"values"`
		}{
			{Metric: "proc.cpu.user", Values: []float64{10, 20}},
			{Metric: "proc.cpu.kernel", Values: []float64{30}},
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	usages, err := c.Query(context.Background(), map[string]string{"host": "node0"}, 10*time.Second, 10*time.Second,
		map[string][]string{"cpu.usage": {"proc.cpu.user", "proc.cpu.kernel"}})
	require.NoError(t, err)

	v, ok := usages["cpu.usage"].Float()
	require.True(t, ok)
	assert.InDelta(t, 20.0, v, 0.001)
}

func TestQuery_EmptySourcesYieldNoData(t *testing.T) {
	c := New(Config{BaseURL: "http://unused"})
	usages, err := c.Query(context.Background(), nil, time.Second, time.Second,
		map[string][]string{"energy.usage": {}})
	require.NoError(t, err)
	assert.True(t, usages["energy.usage"].IsNoData())
}

func TestAllNoData(t *testing.T) {
	assert.True(t, AllNoData(map[string]Value{"a": NoData, "b": NoData}))
	assert.False(t, AllNoData(map[string]Value{"a": NoData, "b": of(1)}))
	assert.True(t, AllNoData(nil))
}

func TestSourceMetricsFor_ContainerFallback(t *testing.T) {
	series, ok := SourceMetricsFor(domain.SubtypeContainer, "cpu.usage")
	require.True(t, ok)
	assert.Equal(t, []string{"proc.cpu.user", "proc.cpu.kernel"}, series)

	_, ok = SourceMetricsFor(domain.SubtypeContainer, "disk.usage")
	assert.False(t, ok)
}
