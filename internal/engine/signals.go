package engine

import (
	"encoding/json"

	"github.com/halcyonops/halcyon/internal/models"
	"github.com/halcyonops/halcyon/internal/utils"
)

// Signals is the flat reduction of an incident's evidence set that rules
// match against. Each signal keeps the IDs of the evidence that produced it
// so matched rules can cite support.
type Signals struct {
	WaitingReasons    map[string][]string
	TerminatedReasons map[string][]string
	RestartCount      int32
	RestartEvidence   []string
	HasRecentDeploy   bool
	DeployEvidence    []string
	ImageChanged      bool
	MemoryUsageRatio  float64
	MemoryEvidence    []string
	NodeUnhealthy     bool
	UnhealthyNodes    []string
	NodeEvidence      []string
	PodFailuresOnNode map[string]int
	HPAAtMax          bool
	HPAEvidence       []string
	ErrorLogRate      float64
	LogClasses        map[string]int
	LogEvidence       []string
	LatencyP99        float64
	LatencyEvidence   []string
	CPUThrottleRate   float64
	HTTP5xxRate       float64
	AllEvidence       []string
}

// HasWaiting reports whether any of the reasons was observed.
func (s Signals) HasWaiting(reasons ...string) bool {
	for _, r := range reasons {
		if len(s.WaitingReasons[r]) > 0 {
			return true
		}
	}
	return false
}

// HasTerminated reports whether any of the reasons was observed.
func (s Signals) HasTerminated(reasons ...string) bool {
	for _, r := range reasons {
		if len(s.TerminatedReasons[r]) > 0 {
			return true
		}
	}
	return false
}

func (s Signals) waitingEvidence(reasons ...string) []string {
	var out []string
	for _, r := range reasons {
		out = append(out, s.WaitingReasons[r]...)
	}
	return out
}

func (s Signals) terminatedEvidence(reasons ...string) []string {
	var out []string
	for _, r := range reasons {
		out = append(out, s.TerminatedReasons[r]...)
	}
	return out
}

// ExtractSignals reduces an evidence set into the flat signal map. The
// reduction is pure: evidence payloads are read, never modified.
func ExtractSignals(evidence []models.Evidence) Signals {
	s := Signals{
		WaitingReasons:    make(map[string][]string),
		TerminatedReasons: make(map[string][]string),
		LogClasses:        make(map[string]int),
		PodFailuresOnNode: make(map[string]int),
	}

	for _, ev := range evidence {
		s.AllEvidence = append(s.AllEvidence, ev.ID)
		switch ev.EvidenceType {
		case models.EvidencePodState, models.EvidenceContainerState:
			var data models.PodStateData
			if json.Unmarshal(ev.Data, &data) != nil {
				continue
			}
			if data.WaitingReason != "" {
				s.WaitingReasons[data.WaitingReason] = append(s.WaitingReasons[data.WaitingReason], ev.ID)
			}
			if data.TerminatedReason != "" {
				s.TerminatedReasons[data.TerminatedReason] = append(s.TerminatedReasons[data.TerminatedReason], ev.ID)
			}
			if data.RestartCount > s.RestartCount {
				s.RestartCount = data.RestartCount
			}
			if data.RestartCount > 0 {
				s.RestartEvidence = append(s.RestartEvidence, ev.ID)
			}
			if data.NodeName != "" && (data.WaitingReason != "" || data.TerminatedReason != "" || !data.Ready) {
				s.PodFailuresOnNode[data.NodeName]++
			}

		case models.EvidenceDeployHistory:
			var data models.DeployHistoryData
			if json.Unmarshal(ev.Data, &data) != nil {
				continue
			}
			if data.RecentChange {
				s.HasRecentDeploy = true
				s.DeployEvidence = append(s.DeployEvidence, ev.ID)
			}
			if data.ImageChanged {
				s.ImageChanged = true
			}

		case models.EvidenceLogsPattern:
			var data models.LogsPatternData
			if json.Unmarshal(ev.Data, &data) != nil {
				continue
			}
			for class, count := range data.PatternCounts {
				s.LogClasses[class] += count
			}
			if data.PatternCounts["error"] > 0 || data.PatternCounts["panic"] > 0 || data.PatternCounts["oom"] > 0 {
				s.LogEvidence = append(s.LogEvidence, ev.ID)
			}
			if minutes := utils.DurationMinutes(ev.TimeWindow.Start, ev.TimeWindow.End); minutes > 0 {
				rate := float64(data.PatternCounts["error"]) / minutes
				if rate > s.ErrorLogRate {
					s.ErrorLogRate = rate
				}
			}

		case models.EvidenceMetricSample:
			var data models.MetricSampleData
			if json.Unmarshal(ev.Data, &data) != nil {
				continue
			}
			switch data.QueryName {
			case "memory_usage_ratio":
				if data.CurrentValue > s.MemoryUsageRatio {
					s.MemoryUsageRatio = data.CurrentValue
				}
				s.MemoryEvidence = append(s.MemoryEvidence, ev.ID)
			case "restart_count_delta":
				if int32(data.CurrentValue) > s.RestartCount {
					s.RestartCount = int32(data.CurrentValue)
				}
				if data.CurrentValue > 0 {
					s.RestartEvidence = append(s.RestartEvidence, ev.ID)
				}
			case "p99_latency":
				if data.CurrentValue > s.LatencyP99 {
					s.LatencyP99 = data.CurrentValue
				}
				s.LatencyEvidence = append(s.LatencyEvidence, ev.ID)
			case "cpu_throttle_rate":
				if data.CurrentValue > s.CPUThrottleRate {
					s.CPUThrottleRate = data.CurrentValue
				}
			case "http_5xx_rate":
				if data.CurrentValue > s.HTTP5xxRate {
					s.HTTP5xxRate = data.CurrentValue
				}
			case "hpa_utilization":
				if data.CurrentValue >= 1 {
					s.HPAAtMax = true
					s.HPAEvidence = append(s.HPAEvidence, ev.ID)
				}
			}

		case models.EvidenceNodeState:
			var data models.NodeStateData
			if json.Unmarshal(ev.Data, &data) != nil {
				continue
			}
			unhealthy := !data.Ready
			for cond, status := range data.Conditions {
				if cond != "Ready" && status == "True" {
					unhealthy = true
				}
			}
			if unhealthy {
				s.NodeUnhealthy = true
				s.UnhealthyNodes = append(s.UnhealthyNodes, data.Name)
				s.NodeEvidence = append(s.NodeEvidence, ev.ID)
			}

		case models.EvidenceHPAState:
			var data models.HPAStateData
			if json.Unmarshal(ev.Data, &data) != nil {
				continue
			}
			if data.AtMax {
				s.HPAAtMax = true
				s.HPAEvidence = append(s.HPAEvidence, ev.ID)
			}
		}
	}
	return s
}

// maxPodFailuresOnUnhealthyNode returns the highest failing-pod count across
// the unhealthy nodes.
func (s Signals) maxPodFailuresOnUnhealthyNode() int {
	max := 0
	for _, node := range s.UnhealthyNodes {
		if s.PodFailuresOnNode[node] > max {
			max = s.PodFailuresOnNode[node]
		}
	}
	return max
}
