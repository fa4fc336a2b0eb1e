// Package metricsclient implements the MetricsClient facade: windowed
// aggregation of named time-series into a per-resource usage map,
// queried from an OpenTSDB-like HTTP aggregator.
package metricsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/serverless-containers/guardian/internal/domain"
)

// NoData is the sentinel returned for a derived metric whose source
// series are missing or empty for the requested window. It carries a
// separate no-data flag, so it is never confused with a real float.
var NoData = Value{noData: true}

// Value is either a real aggregate or the NoData sentinel.
type Value struct {
	v      float64
	noData bool
}

// Float returns the aggregate and true, or (0, false) if this Value is
// NoData.
func (v Value) Float() (float64, bool) {
	if v.noData {
		return 0, false
	}
	return v.v, true
}

// IsNoData reports whether the value carries no data for the window.
func (v Value) IsNoData() bool { return v.noData }

func of(f float64) Value { return Value{v: f} }

// sourceMetrics maps each derived metric to the BDWatchdog-style source
// series it aggregates, separately for containers and applications;
// this is the fixed translation table from spec.md section 4.2.
var sourceMetrics = map[domain.Subtype]map[string][]string{
	domain.SubtypeContainer: {
		"cpu.usage":    {"proc.cpu.user", "proc.cpu.kernel"},
		"mem.usage":    {"proc.mem.resident"},
		"energy.usage": {},
	},
	domain.SubtypeApplication: {
		"cpu.usage":    {"structure.cpu.usage"},
		"mem.usage":    {"structure.mem.usage"},
		"energy.usage": {"structure.energy.usage"},
	},
}

// SourceMetricsFor returns the source series the given subtype's
// derived metric aggregates, and whether that derived metric is known
// at all (the container/application fallback Python performs via
// KeyError).
func SourceMetricsFor(subtype domain.Subtype, derived string) ([]string, bool) {
	table, ok := sourceMetrics[subtype]
	if !ok {
		return nil, false
	}
	series, ok := table[derived]
	return series, ok
}

// Client queries the time-series backend. Concurrent calls across a
// tick's fan-out are bounded by a token-bucket limiter so a burst of
// structures cannot overwhelm the upstream aggregator.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// Config configures Client.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// New constructs a Client; RequestsPerSecond and Burst each default to
// 50 if left zero.
func New(cfg Config) *Client {
	rps := cfg.RequestsPerSecond
	burst := cfg.Burst
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = 50
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// queryRequest is the wire shape of an aggregation query against the
// OpenTSDB-like backend.
type queryRequest struct {
	Start   int64             `json:"start"`
	End     int64             `json:"end"`
	Tags    map[string]string `json:"tags"`
	Metrics []string          `json:"metrics"`
	Agg     string            `json:"aggregator"`
}

type queryResponse struct {
	Series []struct {
		Metric string    `json:"metric"`
		Values []float64 `json:"values"`
	} `json:"series"`
}

// Query aggregates sourceMetrics over [now-delay-window, now-delay] for
// each derivedMetric, returning a map of derived metric name to Value.
// A derived metric whose union of source series is empty or absent
// entirely yields NoData.
func (c *Client) Query(ctx context.Context, tags map[string]string, window, delay time.Duration, sourceMetricsByDerived map[string][]string) (map[string]Value, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("metricsclient: rate limit wait: %w", err)
	}

	now := time.Now()
	end := now.Add(-delay)
	start := end.Add(-window)

	out := make(map[string]Value, len(sourceMetricsByDerived))
	for derived, sources := range sourceMetricsByDerived {
		if len(sources) == 0 {
			out[derived] = NoData
			continue
		}
		val, err := c.queryOne(ctx, tags, start, end, sources)
		if err != nil {
			return nil, err
		}
		out[derived] = val
	}
	return out, nil
}

func (c *Client) queryOne(ctx context.Context, tags map[string]string, start, end time.Time, sources []string) (Value, error) {
	reqBody := queryRequest{
		Start:   start.Unix(),
		End:     end.Unix(),
		Tags:    tags,
		Metrics: sources,
		Agg:     "avg",
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return Value{}, fmt.Errorf("metricsclient: marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(raw))
	if err != nil {
		return Value{}, fmt.Errorf("metricsclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Value{}, fmt.Errorf("metricsclient: %w: %v", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return Value{}, fmt.Errorf("metricsclient: %w: status %d", domain.ErrTransport, resp.StatusCode)
	}

	var parsed queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Value{}, fmt.Errorf("metricsclient: decode response: %w", err)
	}

	var sum float64
	var n int
	for _, series := range parsed.Series {
		for _, v := range series.Values {
			sum += v
			n++
		}
	}
	if n == 0 {
		return NoData, nil
	}
	return of(sum / float64(n)), nil
}

// AllNoData reports whether every derived metric in usages is NoData,
// meaning the structure is "unmonitored" and should be skipped for
// this tick (spec.md section 8, property 7).
func AllNoData(usages map[string]Value) bool {
	if len(usages) == 0 {
		return true
	}
	for _, v := range usages {
		if !v.IsNoData() {
			return false
		}
	}
	return true
}
