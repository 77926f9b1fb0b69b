package sweep

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	fakeKube "k8s.io/client-go/kubernetes/fake"
	kubeTesting "k8s.io/client-go/testing"

	"github.com/kelda/pvc-inspect/pkg/errors"
	"github.com/kelda/pvc-inspect/pkg/names"
)

func markedPod(name string, age time.Duration) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			Namespace:         "my-namespace",
			Labels:            names.Labels(),
			CreationTimestamp: metav1.NewTime(time.Now().Add(-age)),
		},
	}
}

func podNames(t *testing.T, kubeClient *fakeKube.Clientset) []string {
	podList, err := kubeClient.CoreV1().Pods("my-namespace").List(metav1.ListOptions{})
	assert.NoError(t, err)

	var remaining []string
	for _, pod := range podList.Items {
		remaining = append(remaining, pod.Name)
	}
	return remaining
}

func TestSweepByAge(t *testing.T) {
	kubeClient := fakeKube.NewSimpleClientset(
		markedPod("pvc-inspect-a-11111", 10*time.Minute),
		markedPod("pvc-inspect-b-22222", 300*time.Minute),
		markedPod("pvc-inspect-c-33333", 500*time.Minute),
	)

	result, err := Sweep(kubeClient, "my-namespace", 240*time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, 3, result.Examined)
	assert.Equal(t, 2, result.Deleted)
	assert.Equal(t, 0, result.Failed)

	assert.Equal(t, []string{"pvc-inspect-a-11111"}, podNames(t, kubeClient))

	// Sweeping again deletes nothing further.
	result, err = Sweep(kubeClient, "my-namespace", 240*time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Examined)
	assert.Equal(t, 0, result.Deleted)
	assert.Equal(t, 0, result.Failed)
}

func TestSweepIgnoresForeignPods(t *testing.T) {
	foreign := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:              "nginx",
			Namespace:         "my-namespace",
			Labels:            map[string]string{"app": "nginx"},
			CreationTimestamp: metav1.NewTime(time.Now().Add(-9000 * time.Minute)),
		},
	}
	kubeClient := fakeKube.NewSimpleClientset(
		foreign,
		markedPod("pvc-inspect-a-11111", 9000*time.Minute),
	)

	result, err := Sweep(kubeClient, "my-namespace", 240*time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)

	assert.Equal(t, []string{"nginx"}, podNames(t, kubeClient))
}

func TestSweepMarkedForDeletion(t *testing.T) {
	// A young pod explicitly marked for deletion by a previous session is
	// swept regardless of the age threshold.
	flagged := markedPod("pvc-inspect-a-11111", time.Minute)
	flagged.Labels[names.LabelKey] = names.LabelDelete

	kubeClient := fakeKube.NewSimpleClientset(
		flagged,
		markedPod("pvc-inspect-b-22222", time.Minute),
	)

	result, err := Sweep(kubeClient, "my-namespace", 240*time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, 2, result.Examined)
	assert.Equal(t, 1, result.Deleted)

	assert.Equal(t, []string{"pvc-inspect-b-22222"}, podNames(t, kubeClient))
}

func TestSweepCollectsFailures(t *testing.T) {
	kubeClient := fakeKube.NewSimpleClientset(
		markedPod("pvc-inspect-a-11111", 300*time.Minute),
		markedPod("pvc-inspect-b-22222", 500*time.Minute),
	)
	kubeClient.PrependReactor("delete", "pods",
		func(action kubeTesting.Action) (bool, runtime.Object, error) {
			deleteAction := action.(kubeTesting.DeleteAction)
			if deleteAction.GetName() == "pvc-inspect-a-11111" {
				return true, nil, errors.New("webhook denied")
			}
			return false, nil, nil
		})

	result, err := Sweep(kubeClient, "my-namespace", 240*time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, 2, result.Examined)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, 1, result.Failed)
	assert.Len(t, result.Errors, 1)
}
