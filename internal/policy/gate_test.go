package policy

import (
	"testing"

	"github.com/halcyonops/halcyon/internal/models"
)

func baseInput() Input {
	return Input{
		Environment:      EnvDev,
		ActionType:       models.ActionRestartPod,
		Namespace:        "payments",
		BlastRadiusScore: 10,
		AffectedReplicas: 1,
		CurrentHour:      14,
		IsWeekend:        false,
	}
}

func TestGateDecisions(t *testing.T) {
	gate := NewGate(DefaultConfig())

	tests := []struct {
		name    string
		mutate  func(*Input)
		verdict Verdict
		key     string
	}{
		{
			name:    "dev restart pod allowed",
			mutate:  func(in *Input) {},
			verdict: VerdictAllow,
		},
		{
			name: "high risk denied outside dev",
			mutate: func(in *Input) {
				in.Environment = EnvProd
				in.ActionType = models.ActionUpdateResourceLimits
			},
			verdict: VerdictDeny,
			key:     "high_risk_action",
		},
		{
			name: "high risk allowed in dev hits allowlist instead",
			mutate: func(in *Input) {
				in.ActionType = models.ActionDrainNode
			},
			verdict: VerdictDeny,
			key:     "allowlist",
		},
		{
			name: "protected namespace denied in prod",
			mutate: func(in *Input) {
				in.Environment = EnvProd
				in.Namespace = "kube-system"
			},
			verdict: VerdictDeny,
			key:     "protected_namespace",
		},
		{
			name: "protected namespace allowed in dev",
			mutate: func(in *Input) {
				in.Namespace = "kube-system"
			},
			verdict: VerdictAllow,
		},
		{
			name: "prod blast radius 50 denied",
			mutate: func(in *Input) {
				in.Environment = EnvProd
				in.BlastRadiusScore = 50
			},
			verdict: VerdictDeny,
			key:     "blast_radius",
		},
		{
			name: "prod blast radius 49 requires approval",
			mutate: func(in *Input) {
				in.Environment = EnvProd
				in.BlastRadiusScore = 49
			},
			verdict: VerdictRequireApproval,
			key:     "prod_env",
		},
		{
			name: "staging blast radius 75 denied",
			mutate: func(in *Input) {
				in.Environment = EnvStaging
				in.BlastRadiusScore = 75
			},
			verdict: VerdictDeny,
			key:     "blast_radius",
		},
		{
			name: "staging blast radius 74 requires approval",
			mutate: func(in *Input) {
				in.Environment = EnvStaging
				in.BlastRadiusScore = 74
			},
			verdict: VerdictRequireApproval,
			key:     "staging_blast_radius",
		},
		{
			name: "five replicas denied outside dev",
			mutate: func(in *Input) {
				in.Environment = EnvStaging
				in.AffectedReplicas = 5
			},
			verdict: VerdictDeny,
			key:     "replica_count",
		},
		{
			name: "cordon not allowlisted in prod",
			mutate: func(in *Input) {
				in.Environment = EnvProd
				in.ActionType = models.ActionCordonNode
			},
			verdict: VerdictDeny,
			key:     "allowlist",
		},
		{
			name: "prod always requires approval",
			mutate: func(in *Input) {
				in.Environment = EnvProd
			},
			verdict: VerdictRequireApproval,
			key:     "prod_env",
		},
		{
			name: "staging low blast radius rollback requires approval",
			mutate: func(in *Input) {
				in.Environment = EnvStaging
				in.ActionType = models.ActionRollbackDeployment
				in.BlastRadiusScore = 20
			},
			verdict: VerdictRequireApproval,
			key:     "action_class",
		},
		{
			name: "three replicas require approval",
			mutate: func(in *Input) {
				in.AffectedReplicas = 3
			},
			verdict: VerdictRequireApproval,
			key:     "replica_count",
		},
		{
			name: "hour 22 enters freeze",
			mutate: func(in *Input) {
				in.CurrentHour = 22
			},
			verdict: VerdictRequireApproval,
			key:     "freeze_window",
		},
		{
			name: "hour 23 in freeze",
			mutate: func(in *Input) {
				in.CurrentHour = 23
			},
			verdict: VerdictRequireApproval,
			key:     "freeze_window",
		},
		{
			name: "hour 5 still frozen",
			mutate: func(in *Input) {
				in.CurrentHour = 5
			},
			verdict: VerdictRequireApproval,
			key:     "freeze_window",
		},
		{
			name: "hour 6 exits freeze",
			mutate: func(in *Input) {
				in.CurrentHour = 6
			},
			verdict: VerdictAllow,
		},
		{
			name: "prod weekend frozen",
			mutate: func(in *Input) {
				in.Environment = EnvProd
				in.IsWeekend = true
			},
			verdict: VerdictRequireApproval,
			key:     "freeze_window",
		},
		{
			name: "dev weekend not frozen",
			mutate: func(in *Input) {
				in.IsWeekend = true
			},
			verdict: VerdictAllow,
		},
		{
			name: "explicit freeze flag",
			mutate: func(in *Input) {
				in.FreezeActive = true
			},
			verdict: VerdictRequireApproval,
			key:     "freeze_window",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := baseInput()
			tc.mutate(&in)
			got := gate.Evaluate(in)
			if got.Verdict != tc.verdict {
				t.Fatalf("verdict = %s (%s), want %s", got.Verdict, got.Reason, tc.verdict)
			}
			if tc.key != "" && got.MatchedKey != tc.key {
				t.Errorf("matched key = %s, want %s", got.MatchedKey, tc.key)
			}
		})
	}
}

func TestGateIsPure(t *testing.T) {
	gate := NewGate(DefaultConfig())
	in := baseInput()
	in.Environment = EnvProd
	first := gate.Evaluate(in)
	for i := 0; i < 100; i++ {
		if got := gate.Evaluate(in); got != first {
			t.Fatalf("decision changed across invocations: %+v vs %+v", got, first)
		}
	}
}

func TestBlastRadiusScore(t *testing.T) {
	tests := []struct {
		name string
		in   BlastRadiusInput
		want float64
	}{
		{
			name: "dev low risk single replica of three",
			in: BlastRadiusInput{
				ActionType:       models.ActionRestartPod,
				Environment:      EnvDev,
				AffectedReplicas: 1,
				TotalReplicas:    3,
			},
			// 40*(1/3) + 0 + 20*0.1 + 20*0.2
			want: 40.0/3 + 2 + 4,
		},
		{
			name: "prod high risk full fleet critical namespace",
			in: BlastRadiusInput{
				ActionType:           models.ActionDrainNode,
				Environment:          EnvProd,
				AffectedReplicas:     4,
				TotalReplicas:        4,
				NamespaceCriticality: 1,
			},
			// 40 + 20 + 20 + 20
			want: 100,
		},
		{
			name: "staging medium risk",
			in: BlastRadiusInput{
				ActionType:       models.ActionRollbackDeployment,
				Environment:      EnvStaging,
				AffectedReplicas: 2,
				TotalReplicas:    4,
			},
			// 40*0.5 + 0 + 20*0.5 + 20*0.5
			want: 40,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := BlastRadius(tc.in)
			if diff := got - tc.want; diff > 0.001 || diff < -0.001 {
				t.Fatalf("score = %.3f, want %.3f", got, tc.want)
			}
		})
	}
}

func TestRiskOf(t *testing.T) {
	if RiskOf(models.ActionRestartPod) != models.RiskLow {
		t.Errorf("restart_pod should be low risk")
	}
	if RiskOf(models.ActionRollbackDeployment) != models.RiskMedium {
		t.Errorf("rollback_deployment should be medium risk")
	}
	if RiskOf(models.ActionDrainNode) != models.RiskHigh {
		t.Errorf("drain_node should be high risk")
	}
	if RiskOf(models.ActionType("made_up")) != models.RiskHigh {
		t.Errorf("unknown actions should default to high risk")
	}
}
