package collectors

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/halcyonops/halcyon/internal/models"
	"github.com/halcyonops/halcyon/internal/repo"
)

type fakeLogBackend struct {
	lines []repo.LogLine
	err   error
}

func (f *fakeLogBackend) QueryRange(ctx context.Context, namespace, service string, start, end time.Time, limit int) ([]repo.LogLine, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.lines, nil
}

func logLines(lines ...string) []repo.LogLine {
	out := make([]repo.LogLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, repo.LogLine{Timestamp: time.Now(), Line: line})
	}
	return out
}

func TestLogsCollectorPatternClasses(t *testing.T) {
	backend := &fakeLogBackend{lines: logLines(
		"Error: cannot connect to database",
		"error: retry exhausted",
		"dial tcp 10.0.0.5:5432: connection refused",
		"request timed out after 30s",
		"panic: runtime error: invalid memory address",
		"goroutine 42 [running]:",
		"GET /api/orders 502 Bad Gateway",
		"everything fine here",
	)}
	collector := NewLogsCollector(backend, nil)

	res, err := collector.Collect(context.Background(), testIncident(), testWindow())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(res.Evidence) != 1 {
		t.Fatalf("expected one logs_pattern record, got %d", len(res.Evidence))
	}

	var data models.LogsPatternData
	if err := json.Unmarshal(res.Evidence[0].Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.PatternCounts["error"] < 2 {
		t.Errorf("error count = %d", data.PatternCounts["error"])
	}
	if data.PatternCounts["connection refused"] != 1 {
		t.Errorf("connection refused count = %d", data.PatternCounts["connection refused"])
	}
	if data.PatternCounts["timeout"] != 1 {
		t.Errorf("timeout count = %d", data.PatternCounts["timeout"])
	}
	if data.PatternCounts["panic"] != 1 {
		t.Errorf("panic count = %d", data.PatternCounts["panic"])
	}
	if data.PatternCounts["5xx"] != 1 {
		t.Errorf("5xx count = %d", data.PatternCounts["5xx"])
	}
	if len(data.StackTraces) != 1 || !strings.Contains(data.StackTraces[0], "goroutine") {
		t.Errorf("stack traces = %+v", data.StackTraces)
	}
	// Panic escalates the signal to terminal.
	if res.Evidence[0].SignalStrength != SignalTerminal {
		t.Errorf("signal strength = %v", res.Evidence[0].SignalStrength)
	}
}

func TestLogsCollectorSampleBounds(t *testing.T) {
	var noisy []string
	for i := 0; i < 40; i++ {
		noisy = append(noisy, "error: boom number "+strings.Repeat("x", i))
	}
	collector := NewLogsCollector(&fakeLogBackend{lines: logLines(noisy...)}, nil)

	res, err := collector.Collect(context.Background(), testIncident(), testWindow())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	var data models.LogsPatternData
	json.Unmarshal(res.Evidence[0].Data, &data)
	if len(data.SampleErrors) > maxSampleErrors {
		t.Errorf("sample errors = %d, want ≤ %d", len(data.SampleErrors), maxSampleErrors)
	}
}

func TestLogsCollectorSwallowsBackendError(t *testing.T) {
	collector := NewLogsCollector(&fakeLogBackend{err: errors.New("loki unavailable")}, nil)
	res, err := collector.Collect(context.Background(), testIncident(), testWindow())
	if err != nil {
		t.Fatalf("backend errors must be swallowed: %v", err)
	}
	if len(res.Errs) != 1 {
		t.Fatalf("expected recorded error, got %+v", res.Errs)
	}
	if len(res.Evidence) != 0 {
		t.Errorf("no evidence expected on failure")
	}
}

func TestLogsCollectorEmptyWindow(t *testing.T) {
	collector := NewLogsCollector(&fakeLogBackend{}, nil)
	res, err := collector.Collect(context.Background(), testIncident(), testWindow())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(res.Evidence) != 0 || len(res.Errs) != 0 {
		t.Errorf("empty log window should produce nothing: %+v", res)
	}
}
