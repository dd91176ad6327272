package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/halcyonops/halcyon/internal/utils"
)

// ErrNoSamples signals a query that returned an empty result vector.
var ErrNoSamples = fmt.Errorf("query returned no samples")

// MetricsBackend evaluates instant and range PromQL-family queries.
type MetricsBackend interface {
	Query(ctx context.Context, query string, at time.Time) (float64, error)
	QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]MetricPoint, error)
}

// MetricPoint represents a single metric sample.
type MetricPoint struct {
	Timestamp time.Time
	Value     float64
}

// PrometheusClient implements MetricsBackend against a Prometheus-compatible API.
type PrometheusClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewPrometheusClient constructs a client targeting the configured instance.
func NewPrometheusClient(baseURL string, timeout time.Duration) *PrometheusClient {
	return &PrometheusClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Query evaluates an instant query and returns the first sample value.
func (c *PrometheusClient) Query(ctx context.Context, query string, at time.Time) (float64, error) {
	if c == nil || c.baseURL == "" {
		return 0, fmt.Errorf("prometheus base URL not configured")
	}

	params := url.Values{}
	params.Set("query", query)
	if !at.IsZero() {
		params.Set("time", strconv.FormatInt(at.Unix(), 10))
	}

	var payload promResponse
	if err := c.get(ctx, "/api/v1/query", params, &payload); err != nil {
		return 0, err
	}

	for _, result := range payload.Data.Result {
		if len(result.Value) == 2 {
			return parseSample(result.Value[1])
		}
	}
	return 0, ErrNoSamples
}

// QueryRange evaluates a range query and returns the flattened series.
func (c *PrometheusClient) QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]MetricPoint, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("prometheus base URL not configured")
	}
	if step <= 0 {
		step = 15 * time.Second
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("start", strconv.FormatInt(start.Unix(), 10))
	params.Set("end", strconv.FormatInt(end.Unix(), 10))
	params.Set("step", strconv.FormatInt(int64(step.Seconds()), 10))

	var payload promResponse
	if err := c.get(ctx, "/api/v1/query_range", params, &payload); err != nil {
		return nil, err
	}

	var points []MetricPoint
	for _, result := range payload.Data.Result {
		for _, pair := range result.Values {
			if len(pair) != 2 {
				continue
			}
			ts, ok := pair[0].(float64)
			if !ok {
				continue
			}
			value, err := parseSample(pair[1])
			if err != nil {
				continue
			}
			points = append(points, MetricPoint{Timestamp: time.Unix(int64(ts), 0), Value: value})
		}
	}
	return points, nil
}

type promResponse struct {
	Status string `json:"status"`
	Data   struct {
		Result []struct {
			Metric map[string]string `json:"metric"`
			Value  []any             `json:"value"`
			Values [][]any           `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

func (c *PrometheusClient) get(ctx context.Context, path string, params url.Values, out *promResponse) error {
	endpoint := c.baseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build prometheus request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("prometheus query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return utils.NewAppError("prometheus.query", fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode prometheus response: %w", err)
	}
	if out.Status != "success" {
		return fmt.Errorf("prometheus query status %q", out.Status)
	}
	return nil
}

func parseSample(raw any) (float64, error) {
	str, ok := raw.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected sample type %T", raw)
	}
	value, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sample %q: %w", str, err)
	}
	return value, nil
}
