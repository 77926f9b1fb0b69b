package kube

import (
	"testing"

	"github.com/stretchr/testify/assert"
	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	fakeKube "k8s.io/client-go/kubernetes/fake"

	"github.com/kelda/pvc-inspect/pkg/names"
)

func TestDeletePod(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "pvc-inspect-my-pvc-abcde",
			Namespace: "my-namespace",
		},
	}
	kubeClient := fakeKube.NewSimpleClientset(pod)

	assert.NoError(t, DeletePod(kubeClient, pod.Namespace, pod.Name))

	_, err := kubeClient.CoreV1().Pods(pod.Namespace).Get(pod.Name, metav1.GetOptions{})
	assert.True(t, kerrors.IsNotFound(err))

	// Deleting again is a no-op rather than an error.
	assert.NoError(t, DeletePod(kubeClient, pod.Namespace, pod.Name))
}

func TestMarkForDeletion(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "pvc-inspect-my-pvc-abcde",
			Namespace: "my-namespace",
			Labels:    names.Labels(),
		},
	}
	kubeClient := fakeKube.NewSimpleClientset(pod)

	assert.NoError(t, MarkForDeletion(kubeClient, pod.Namespace, pod.Name))

	marked, err := kubeClient.CoreV1().Pods(pod.Namespace).Get(pod.Name, metav1.GetOptions{})
	assert.NoError(t, err)
	assert.True(t, names.MarkedForDeletion(marked))
}
