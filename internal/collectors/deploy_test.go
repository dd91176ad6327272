package collectors

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/halcyonops/halcyon/internal/models"
)

func deployment(name string, replicas int32, revision string) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   "payments",
			Annotations: map[string]string{"deployment.kubernetes.io/revision": revision},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": name}},
		},
	}
}

func replicaSet(deployName, revision, image, hash string, age time.Duration) *appsv1.ReplicaSet {
	return &appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:              deployName + "-" + hash,
			Namespace:         "payments",
			Labels:            map[string]string{"app": deployName, "pod-template-hash": hash},
			Annotations:       map[string]string{"deployment.kubernetes.io/revision": revision},
			CreationTimestamp: metav1.NewTime(time.Now().Add(-age)),
			OwnerReferences: []metav1.OwnerReference{{
				Kind: "Deployment",
				Name: deployName,
			}},
		},
		Spec: appsv1.ReplicaSetSpec{
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": deployName}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": deployName, "pod-template-hash": hash}},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: deployName, Image: image}},
				},
			},
		},
	}
}

func TestDeployCollectorFlagsRecentRollout(t *testing.T) {
	client := fake.NewSimpleClientset(
		deployment("api", 3, "42"),
		replicaSet("api", "42", "api:v42", "7f", 2*time.Minute),
		replicaSet("api", "41", "api:v41", "6a", 3*time.Hour),
	)
	collector := NewDeployCollector(client, 30*time.Minute, nil)

	res, err := collector.Collect(context.Background(), testIncident(), testWindow())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(res.Evidence) != 1 {
		t.Fatalf("expected one deploy_history record, got %d", len(res.Evidence))
	}

	ev := res.Evidence[0]
	if ev.SignalStrength != SignalDeployCorrelate {
		t.Errorf("signal strength = %v, want %v", ev.SignalStrength, SignalDeployCorrelate)
	}

	var data models.DeployHistoryData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !data.RecentChange {
		t.Errorf("rollout 2m ago must be flagged recent")
	}
	if !data.ImageChanged {
		t.Errorf("image diff v41→v42 not detected")
	}
	if !data.ConfigChanged {
		t.Errorf("pod-template-hash diff not detected")
	}
	if len(data.CurrentImages) != 1 || data.CurrentImages[0] != "api:v42" {
		t.Errorf("current images = %v", data.CurrentImages)
	}
	if len(data.PriorImages) != 1 || data.PriorImages[0] != "api:v41" {
		t.Errorf("prior images = %v", data.PriorImages)
	}
}

func TestDeployCollectorOldRolloutNotRecent(t *testing.T) {
	client := fake.NewSimpleClientset(
		deployment("api", 3, "42"),
		replicaSet("api", "42", "api:v42", "7f", 6*time.Hour),
	)
	collector := NewDeployCollector(client, 30*time.Minute, nil)

	res, err := collector.Collect(context.Background(), testIncident(), testWindow())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	var data models.DeployHistoryData
	json.Unmarshal(res.Evidence[0].Data, &data)
	if data.RecentChange {
		t.Errorf("6h-old rollout must not be recent")
	}
	if res.Evidence[0].SignalStrength != SignalInformational {
		t.Errorf("signal strength = %v, want informational", res.Evidence[0].SignalStrength)
	}
}

func TestDeployCollectorSkipsUnrelatedWorkloads(t *testing.T) {
	client := fake.NewSimpleClientset(
		deployment("api", 3, "42"),
		deployment("billing", 2, "7"),
		replicaSet("api", "42", "api:v42", "7f", 2*time.Minute),
	)
	collector := NewDeployCollector(client, 30*time.Minute, nil)

	res, err := collector.Collect(context.Background(), testIncident(), testWindow())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, ev := range res.Evidence {
		if ev.EntityName == "billing" {
			t.Fatalf("billing does not match the incident service selector")
		}
	}
}
