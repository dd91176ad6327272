package collectors

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/halcyonops/halcyon/internal/models"
	"github.com/halcyonops/halcyon/internal/repo"
)

// Regex classes counted over the log window.
var logPatterns = []struct {
	class string
	re    *regexp.Regexp
}{
	{"error", regexp.MustCompile(`(?i)\b(error|err|exception|fail(ed|ure)?)\b`)},
	{"panic", regexp.MustCompile(`(?i)\b(panic|fatal|critical)\b`)},
	{"oom", regexp.MustCompile(`(?i)(OOMKilled|out of memory|OutOfMemoryError)`)},
	{"connection refused", regexp.MustCompile(`(?i)connection (refused|reset)`)},
	{"timeout", regexp.MustCompile(`(?i)\b(timeout|timed out)\b`)},
	{"5xx", regexp.MustCompile(`\b5\d{2}\b`)},
}

var stackTracePatterns = []*regexp.Regexp{
	regexp.MustCompile(`goroutine \d+ \[.+\]:`),              // Go
	regexp.MustCompile(`at\s+[\w.$]+\([\w.]+:\d+\)`),         // Java
	regexp.MustCompile(`File "[^"]+", line \d+`),             // Python
	regexp.MustCompile(`\s+at\s+.+\s+\(.+:\d+:\d+\)`),        // Node
}

const (
	maxLogLines       = 1000
	maxSampleErrors   = 10
	maxStackTraces    = 5
	maxSampleLineLen  = 500
	errorSpikeCount   = 10
	errorPresentCount = 1
)

// LogsCollector analyzes log backend output for error patterns and traces.
type LogsCollector struct {
	backend repo.LogBackend
	logger  *slog.Logger
}

// NewLogsCollector constructs a log-pattern collector.
func NewLogsCollector(backend repo.LogBackend, logger *slog.Logger) *LogsCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogsCollector{backend: backend, logger: logger}
}

// Name implements Collector.
func (c *LogsCollector) Name() string { return string(models.SourceLogs) }

// Collect queries the log backend over the window and reduces matches into
// one logs_pattern evidence record.
func (c *LogsCollector) Collect(ctx context.Context, inc models.Incident, window models.TimeWindow) (Result, error) {
	res := Result{Collector: c.Name()}

	lines, err := c.backend.QueryRange(ctx, inc.Namespace, inc.Service, window.Start, window.End, maxLogLines)
	if err != nil {
		if ctx.Err() != nil {
			markPartial(&res)
			return res, nil
		}
		res.Errs = append(res.Errs, fmt.Sprintf("log query: %v", err))
		return res, nil
	}
	if len(lines) == 0 {
		return res, nil
	}

	data := analyzeLogLines(lines)
	strength := logSignalStrength(data)
	entity := inc.Service
	if entity == "" {
		entity = inc.Namespace
	}

	summary := fmt.Sprintf("Analyzed %d log lines: %d errors", data.TotalLines, data.PatternCounts["error"])
	ev, err := newEvidence(inc, window, models.EvidenceLogsPattern, models.SourceLogs, entity, data, strength, summary)
	if err != nil {
		return res, err
	}
	res.Evidence = append(res.Evidence, ev)
	return res, nil
}

func analyzeLogLines(lines []repo.LogLine) models.LogsPatternData {
	data := models.LogsPatternData{
		TotalLines:    len(lines),
		PatternCounts: make(map[string]int),
	}
	for _, line := range lines {
		for _, pattern := range logPatterns {
			if pattern.re.MatchString(line.Line) {
				data.PatternCounts[pattern.class]++
				if (pattern.class == "error" || pattern.class == "panic") && len(data.SampleErrors) < maxSampleErrors {
					data.SampleErrors = append(data.SampleErrors, truncate(line.Line, maxSampleLineLen))
				}
			}
		}
		if len(data.StackTraces) < maxStackTraces {
			for _, st := range stackTracePatterns {
				if st.MatchString(line.Line) {
					data.StackTraces = append(data.StackTraces, truncate(line.Line, 1000))
					break
				}
			}
		}
	}
	return data
}

func logSignalStrength(data models.LogsPatternData) float64 {
	if data.PatternCounts["oom"] > 0 || data.PatternCounts["panic"] > 0 {
		return SignalTerminal
	}
	if data.PatternCounts["error"] >= errorSpikeCount {
		return SignalHighRestart
	}
	if data.PatternCounts["error"] >= errorPresentCount ||
		data.PatternCounts["connection refused"] > 0 ||
		data.PatternCounts["timeout"] > 0 {
		return SignalDefault
	}
	return SignalInformational
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
