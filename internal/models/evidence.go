package models

import (
	"encoding/json"
	"time"
)

// EvidenceType enumerates the tagged payload variants carried by Evidence.
type EvidenceType string

const (
	EvidencePodState       EvidenceType = "pod_state"
	EvidenceContainerState EvidenceType = "container_state"
	EvidenceDeployHistory  EvidenceType = "deploy_history"
	EvidenceLogsPattern    EvidenceType = "logs_pattern"
	EvidenceMetricSample   EvidenceType = "metric_sample"
	EvidenceNodeState      EvidenceType = "node_state"
	EvidenceHPAState       EvidenceType = "hpa_state"
	EvidenceEvents         EvidenceType = "events"
)

// EvidenceSource identifies which collector produced an evidence record.
type EvidenceSource string

const (
	SourceK8s     EvidenceSource = "k8s"
	SourceLogs    EvidenceSource = "logs"
	SourceMetrics EvidenceSource = "metrics"
	SourceDeploy  EvidenceSource = "deploy"
)

// Evidence is a single observation relevant to an incident. The Data payload
// is a tagged variant keyed by EvidenceType; SignalStrength is assigned by
// the collector and never mutated downstream.
type Evidence struct {
	ID              string          `json:"id"`
	IncidentID      string          `json:"incident_id"`
	EvidenceType    EvidenceType    `json:"evidence_type"`
	Source          EvidenceSource  `json:"source"`
	EntityName      string          `json:"entity_name"`
	EntityNamespace string          `json:"entity_namespace"`
	Data            json.RawMessage `json:"data"`
	SignalStrength  float64         `json:"signal_strength"`
	Summary         string          `json:"summary,omitempty"`
	Partial         bool            `json:"partial,omitempty"`
	CollectedAt     time.Time       `json:"collected_at"`
	TimeWindow      TimeWindow      `json:"time_window"`
}

// PodStateData is the pod_state / container_state payload.
type PodStateData struct {
	Name             string            `json:"name"`
	Namespace        string            `json:"namespace"`
	Phase            string            `json:"phase"`
	NodeName         string            `json:"node_name,omitempty"`
	RestartCount     int32             `json:"restart_count"`
	WaitingReason    string            `json:"waiting_reason,omitempty"`
	TerminatedReason string            `json:"terminated_reason,omitempty"`
	Ready            bool              `json:"ready"`
	Labels           map[string]string `json:"labels,omitempty"`
	CreatedAt        *time.Time        `json:"created_at,omitempty"`
}

// NodeStateData is the node_state payload.
type NodeStateData struct {
	Name       string            `json:"name"`
	Ready      bool              `json:"ready"`
	Conditions map[string]string `json:"conditions,omitempty"`
}

// HPAStateData is the hpa_state payload.
type HPAStateData struct {
	Name            string `json:"name"`
	CurrentReplicas int32  `json:"current_replicas"`
	MaxReplicas     int32  `json:"max_replicas"`
	AtMax           bool   `json:"at_max"`
}

// EventData is the events payload, one record per noteworthy cluster event.
type EventData struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
	Object  string `json:"object"`
	Count   int32  `json:"count"`
}

// LogsPatternData is the logs_pattern payload.
type LogsPatternData struct {
	TotalLines    int            `json:"total_lines"`
	PatternCounts map[string]int `json:"pattern_counts"`
	SampleErrors  []string       `json:"sample_errors,omitempty"`
	StackTraces   []string       `json:"stack_traces,omitempty"`
}

// MetricSampleData is the metric_sample payload for one query family.
type MetricSampleData struct {
	QueryName    string  `json:"query_name"`
	Query        string  `json:"query"`
	CurrentValue float64 `json:"current_value"`
	MaxValue     float64 `json:"max_value"`
	AvgValue     float64 `json:"avg_value"`
	Anomalous    bool    `json:"anomalous"`
}

// DeployHistoryData is the deploy_history payload.
type DeployHistoryData struct {
	DeploymentName  string     `json:"deployment_name"`
	CurrentRevision string     `json:"current_revision"`
	Replicas        int32      `json:"replicas"`
	RecentChange    bool       `json:"recent_change"`
	ChangeAge       string     `json:"change_age,omitempty"`
	ImageChanged    bool       `json:"image_changed"`
	ConfigChanged   bool       `json:"config_changed"`
	CurrentImages   []string   `json:"current_images,omitempty"`
	PriorImages     []string   `json:"prior_images,omitempty"`
	ChangedAt       *time.Time `json:"changed_at,omitempty"`
}
