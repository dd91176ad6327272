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

// LogLine is a single log backend record.
type LogLine struct {
	Timestamp time.Time
	Line      string
	Labels    map[string]string
}

// LogBackend range-queries a log store by (namespace, service, time window).
type LogBackend interface {
	QueryRange(ctx context.Context, namespace, service string, start, end time.Time, limit int) ([]LogLine, error)
}

// LokiClient implements LogBackend against a Loki-compatible API.
type LokiClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewLokiClient constructs a client targeting the configured Loki instance.
func NewLokiClient(baseURL string, timeout time.Duration) *LokiClient {
	return &LokiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// QueryRange fetches log lines for the selector over the window.
func (c *LokiClient) QueryRange(ctx context.Context, namespace, service string, start, end time.Time, limit int) ([]LogLine, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("loki base URL not configured")
	}

	selector := fmt.Sprintf(`{namespace=%q}`, namespace)
	if service != "" {
		selector = fmt.Sprintf(`{namespace=%q, app=%q}`, namespace, service)
	}

	params := url.Values{}
	params.Set("query", selector)
	params.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	params.Set("end", strconv.FormatInt(end.UnixNano(), 10))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("direction", "backward")

	endpoint := c.baseURL + "/loki/api/v1/query_range?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build loki request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("loki query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, utils.NewAppError("loki.query_range", fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	var payload struct {
		Status string `json:"status"`
		Data   struct {
			Result []struct {
				Stream map[string]string `json:"stream"`
				Values [][2]string       `json:"values"`
			} `json:"result"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode loki response: %w", err)
	}
	if payload.Status != "success" {
		return nil, fmt.Errorf("loki query status %q", payload.Status)
	}

	var lines []LogLine
	for _, stream := range payload.Data.Result {
		for _, value := range stream.Values {
			ns, err := strconv.ParseInt(value[0], 10, 64)
			if err != nil {
				continue
			}
			lines = append(lines, LogLine{
				Timestamp: time.Unix(0, ns),
				Line:      value[1],
				Labels:    stream.Stream,
			})
		}
	}
	return lines, nil
}
