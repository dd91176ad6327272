package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "dev" {
		t.Errorf("environment = %s, want dev", cfg.Environment)
	}
	if cfg.Collection.DeadlineTotal != 5*time.Minute {
		t.Errorf("collection deadline = %v", cfg.Collection.DeadlineTotal)
	}
	if cfg.Collection.DeadlinePerSource != 60*time.Second {
		t.Errorf("per-source deadline = %v", cfg.Collection.DeadlinePerSource)
	}
	if cfg.Remediation.VerificationDelay != 120*time.Second {
		t.Errorf("verification delay = %v", cfg.Remediation.VerificationDelay)
	}
	if cfg.Approval.Timeout != 4*time.Hour {
		t.Errorf("approval timeout = %v", cfg.Approval.Timeout)
	}
	if cfg.Remediation.RetryBudget != 1 {
		t.Errorf("retry budget = %d", cfg.Remediation.RetryBudget)
	}
	if cfg.Collection.DeployLookback != 30*time.Minute {
		t.Errorf("deploy lookback = %v", cfg.Collection.DeployLookback)
	}
	if cfg.Policy.FreezeHourStart != 22 || cfg.Policy.FreezeHourEnd != 6 {
		t.Errorf("freeze window = %d→%d", cfg.Policy.FreezeHourStart, cfg.Policy.FreezeHourEnd)
	}
}

func TestYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halcyon.yaml")
	content := `
environment: staging
prometheus:
  baseURL: http://prom:9090
collection:
  deadlineTotal: 3m
remediation:
  retryBudget: 2
policy:
  protectedNamespaces: [kube-system, vault]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "staging" {
		t.Errorf("environment = %s", cfg.Environment)
	}
	if cfg.Prometheus.BaseURL != "http://prom:9090" {
		t.Errorf("prometheus url = %s", cfg.Prometheus.BaseURL)
	}
	if cfg.Collection.DeadlineTotal != 3*time.Minute {
		t.Errorf("deadline = %v", cfg.Collection.DeadlineTotal)
	}
	if cfg.Remediation.RetryBudget != 2 {
		t.Errorf("retry budget = %d", cfg.Remediation.RetryBudget)
	}
	if len(cfg.Policy.ProtectedNamespaces) != 2 {
		t.Errorf("protected namespaces = %v", cfg.Policy.ProtectedNamespaces)
	}
	// Unset fields keep their defaults.
	if cfg.Approval.Timeout != 4*time.Hour {
		t.Errorf("approval timeout default lost: %v", cfg.Approval.Timeout)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HALCYON_ENVIRONMENT", "prod")
	t.Setenv("HALCYON_VERIFICATION_DELAY", "30s")
	t.Setenv("HALCYON_FREEZE_ACTIVE", "true")
	t.Setenv("HALCYON_PROTECTED_NAMESPACES", "kube-system, istio-system")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "prod" {
		t.Errorf("environment = %s", cfg.Environment)
	}
	if cfg.Remediation.VerificationDelay != 30*time.Second {
		t.Errorf("verification delay = %v", cfg.Remediation.VerificationDelay)
	}
	if !cfg.Policy.FreezeActive {
		t.Errorf("freeze override lost")
	}
	if len(cfg.Policy.ProtectedNamespaces) != 2 || cfg.Policy.ProtectedNamespaces[1] != "istio-system" {
		t.Errorf("protected namespaces = %v", cfg.Policy.ProtectedNamespaces)
	}
}

func TestInvalidEnvironmentRejected(t *testing.T) {
	t.Setenv("HALCYON_ENVIRONMENT", "uat")
	if _, err := Load(""); err == nil {
		t.Fatalf("uat is not a supported environment")
	}
}

func TestMissingFileRejected(t *testing.T) {
	if _, err := Load("/nonexistent/halcyon.yaml"); err == nil {
		t.Fatalf("missing explicit config file must fail")
	}
}
