package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the remediation engine.
type Config struct {
	Environment string            `yaml:"environment"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Loki        BackendConfig     `yaml:"loki"`
	Prometheus  BackendConfig     `yaml:"prometheus"`
	Grafana     BackendConfig     `yaml:"grafana"`
	Graph       GraphConfig       `yaml:"graph"`
	Storage     StorageConfig     `yaml:"storage"`
	Collection  CollectionConfig  `yaml:"collection"`
	Remediation RemediationConfig `yaml:"remediation"`
	Approval    ApprovalConfig    `yaml:"approval"`
	Policy      PolicyConfig      `yaml:"policy"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// ClusterConfig configures cluster API access.
type ClusterConfig struct {
	Kubeconfig string `yaml:"kubeconfig"`
	Name       string `yaml:"name"`
}

// BackendConfig points at an HTTP query backend.
type BackendConfig struct {
	BaseURL string        `yaml:"baseURL"`
	Timeout time.Duration `yaml:"timeout"`
}

// GraphConfig selects the evidence graph backend.
type GraphConfig struct {
	Backend  string        `yaml:"backend"` // "memory" or "arango"
	Endpoint string        `yaml:"endpoint"`
	Database string        `yaml:"database"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// StorageConfig configures the record store and workflow journal.
type StorageConfig struct {
	StorePath   string `yaml:"storePath"`
	JournalPath string `yaml:"journalPath"`
	InMemory    bool   `yaml:"inMemory"`
}

// CollectionConfig bounds evidence collection.
type CollectionConfig struct {
	DeadlineTotal     time.Duration `yaml:"deadlineTotal"`
	DeadlinePerSource time.Duration `yaml:"deadlinePerSource"`
	DeployLookback    time.Duration `yaml:"deployLookback"`
}

// RemediationConfig bounds execution and verification.
type RemediationConfig struct {
	VerificationDelay            time.Duration `yaml:"verificationDelay"`
	VerificationImprovementRatio float64       `yaml:"verificationImprovementRatio"`
	RetryBudget                  int           `yaml:"retryBudget"`
	Workers                      int           `yaml:"workers"`
}

// ApprovalConfig configures the out-of-band approval channel.
type ApprovalConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	WebhookURL     string        `yaml:"webhookURL"`
	DecisionURL    string        `yaml:"decisionURL"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	AutoApproveDev bool          `yaml:"autoApproveDev"`
}

// PolicyConfig overrides the built-in policy sets.
type PolicyConfig struct {
	FreezeHourStart     int      `yaml:"freezeHourStart"`
	FreezeHourEnd       int      `yaml:"freezeHourEnd"`
	FreezeActive        bool     `yaml:"freezeActive"`
	ProtectedNamespaces []string `yaml:"protectedNamespaces"`
	HighRiskActions     []string `yaml:"highRiskActions"`
	CriticalNamespaces  []string `yaml:"criticalNamespaces"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("HALCYON_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	switch cfg.Environment {
	case "dev", "staging", "prod":
	default:
		return nil, fmt.Errorf("environment must be dev, staging, or prod, got %q", cfg.Environment)
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Environment: "dev",
		Metrics:     MetricsConfig{Address: ":2112"},
		Loki:        BackendConfig{Timeout: 30 * time.Second},
		Prometheus:  BackendConfig{Timeout: 30 * time.Second},
		Graph: GraphConfig{
			Backend:  "memory",
			Database: "halcyon",
			Timeout:  30 * time.Second,
		},
		Storage: StorageConfig{
			StorePath:   "data/store",
			JournalPath: "data/journal",
		},
		Collection: CollectionConfig{
			DeadlineTotal:     5 * time.Minute,
			DeadlinePerSource: 60 * time.Second,
			DeployLookback:    30 * time.Minute,
		},
		Remediation: RemediationConfig{
			VerificationDelay:            120 * time.Second,
			VerificationImprovementRatio: 0.5,
			RetryBudget:                  1,
			Workers:                      4,
		},
		Approval: ApprovalConfig{
			Timeout:        4 * time.Hour,
			PollInterval:   15 * time.Second,
			AutoApproveDev: true,
		},
		Policy: PolicyConfig{
			FreezeHourStart: 22,
			FreezeHourEnd:   6,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HALCYON_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("HALCYON_METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Address = v
	}
	if v := os.Getenv("HALCYON_KUBECONFIG"); v != "" {
		cfg.Cluster.Kubeconfig = v
	}
	if v := os.Getenv("HALCYON_CLUSTER_NAME"); v != "" {
		cfg.Cluster.Name = v
	}
	if v := os.Getenv("HALCYON_LOKI_URL"); v != "" {
		cfg.Loki.BaseURL = v
	}
	if v := os.Getenv("HALCYON_PROMETHEUS_URL"); v != "" {
		cfg.Prometheus.BaseURL = v
	}
	if v := os.Getenv("HALCYON_GRAFANA_URL"); v != "" {
		cfg.Grafana.BaseURL = v
	}
	if v := os.Getenv("HALCYON_GRAPH_BACKEND"); v != "" {
		cfg.Graph.Backend = v
	}
	if v := os.Getenv("HALCYON_GRAPH_ENDPOINT"); v != "" {
		cfg.Graph.Endpoint = v
	}
	if v := os.Getenv("HALCYON_GRAPH_DATABASE"); v != "" {
		cfg.Graph.Database = v
	}
	if v := os.Getenv("HALCYON_GRAPH_USERNAME"); v != "" {
		cfg.Graph.Username = v
	}
	if v := os.Getenv("HALCYON_GRAPH_PASSWORD"); v != "" {
		cfg.Graph.Password = v
	}
	if v := os.Getenv("HALCYON_STORE_PATH"); v != "" {
		cfg.Storage.StorePath = v
	}
	if v := os.Getenv("HALCYON_JOURNAL_PATH"); v != "" {
		cfg.Storage.JournalPath = v
	}
	if v := os.Getenv("HALCYON_STORAGE_IN_MEMORY"); isTrue(v) {
		cfg.Storage.InMemory = true
	}
	if v := os.Getenv("HALCYON_COLLECTION_DEADLINE_TOTAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Collection.DeadlineTotal = d
		}
	}
	if v := os.Getenv("HALCYON_COLLECTION_DEADLINE_PER_SOURCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Collection.DeadlinePerSource = d
		}
	}
	if v := os.Getenv("HALCYON_DEPLOY_LOOKBACK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Collection.DeployLookback = d
		}
	}
	if v := os.Getenv("HALCYON_VERIFICATION_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remediation.VerificationDelay = d
		}
	}
	if v := os.Getenv("HALCYON_VERIFICATION_IMPROVEMENT_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Remediation.VerificationImprovementRatio = f
		}
	}
	if v := os.Getenv("HALCYON_RETRY_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Remediation.RetryBudget = n
		}
	}
	if v := os.Getenv("HALCYON_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Remediation.Workers = n
		}
	}
	if v := os.Getenv("HALCYON_APPROVAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Approval.Timeout = d
		}
	}
	if v := os.Getenv("HALCYON_APPROVAL_WEBHOOK_URL"); v != "" {
		cfg.Approval.WebhookURL = v
	}
	if v := os.Getenv("HALCYON_APPROVAL_DECISION_URL"); v != "" {
		cfg.Approval.DecisionURL = v
	}
	if v := os.Getenv("HALCYON_APPROVAL_AUTO_APPROVE_DEV"); v != "" {
		cfg.Approval.AutoApproveDev = isTrue(v)
	}
	if v := os.Getenv("HALCYON_FREEZE_HOUR_START"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Policy.FreezeHourStart = n
		}
	}
	if v := os.Getenv("HALCYON_FREEZE_HOUR_END"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Policy.FreezeHourEnd = n
		}
	}
	if v := os.Getenv("HALCYON_FREEZE_ACTIVE"); v != "" {
		cfg.Policy.FreezeActive = isTrue(v)
	}
	if v := os.Getenv("HALCYON_PROTECTED_NAMESPACES"); v != "" {
		cfg.Policy.ProtectedNamespaces = splitList(v)
	}
	if v := os.Getenv("HALCYON_HIGH_RISK_ACTIONS"); v != "" {
		cfg.Policy.HighRiskActions = splitList(v)
	}
	if v := os.Getenv("HALCYON_CRITICAL_NAMESPACES"); v != "" {
		cfg.Policy.CriticalNamespaces = splitList(v)
	}
	if v := os.Getenv("HALCYON_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HALCYON_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
}

func isTrue(v string) bool {
	return strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
