package kube

import (
	"fmt"

	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/kelda/pvc-inspect/pkg/names"
)

// DeletePod issues the pod's deletion. Deleting a pod that's already gone
// (or already being deleted) is a no-op, so callers are free to retry.
func DeletePod(kubeClient kubernetes.Interface, namespace, name string) error {
	err := kubeClient.CoreV1().Pods(namespace).Delete(name, &metav1.DeleteOptions{})
	if err != nil && !kerrors.IsNotFound(err) {
		return err
	}
	return nil
}

// MarkForDeletion flags the pod for removal by the sweeper. Teardown marks
// before deleting so that a session whose credentials can't delete pods (or
// whose delete call fails) still leaves the pod sweep-eligible.
func MarkForDeletion(kubeClient kubernetes.Interface, namespace, name string) error {
	patch := fmt.Sprintf(`{"metadata":{"labels":{%q:%q}}}`,
		names.LabelKey, names.LabelDelete)
	_, err := kubeClient.CoreV1().Pods(namespace).Patch(
		name, types.StrategicMergePatchType, []byte(patch))
	return err
}
