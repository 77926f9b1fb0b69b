// Package sweep reconciles pods left behind by aborted inspection sessions.
// It's stateless and idempotent: a scheduler can re-invoke it at fixed
// intervals, concurrently with running sessions or with itself, without any
// coordination.
package sweep

import (
	"time"

	log "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/kelda/pvc-inspect/pkg/errors"
	"github.com/kelda/pvc-inspect/pkg/kube"
	"github.com/kelda/pvc-inspect/pkg/names"
)

// Result reports what a sweep did. Individual deletion failures are
// collected rather than aborting the sweep.
type Result struct {
	Examined int
	Deleted  int
	Failed   int
	Errors   []error
}

// Sweep deletes every pod bearing this tool's marker that is older than
// olderThan, or that a previous session explicitly marked for deletion. An
// empty namespace sweeps the whole cluster.
//
// Only the marker decides eligibility: pods without it are never touched, and
// marked pods are deleted whether or not this invocation created them.
func Sweep(kubeClient kubernetes.Interface, namespace string,
	olderThan time.Duration) (Result, error) {

	podList, err := kubeClient.CoreV1().Pods(namespace).List(metav1.ListOptions{
		LabelSelector: names.LabelKey,
	})
	if err != nil {
		return Result{}, errors.WithContext("list pods", err)
	}

	var result Result
	now := time.Now()
	for i := range podList.Items {
		pod := &podList.Items[i]

		// The server-side label selector already filtered on the
		// marker, but it's the invariant the whole tool rests on, so
		// check again before deleting anything.
		if !names.HasMarker(pod) {
			continue
		}
		result.Examined++

		if !eligible(pod, now, olderThan) {
			continue
		}

		log.WithFields(log.Fields{
			"pod":       pod.Name,
			"namespace": pod.Namespace,
			"age":       now.Sub(pod.CreationTimestamp.Time).Round(time.Minute),
		}).Info("Deleting stale pod")

		// Already-deleted pods count as deleted: a concurrent sweep
		// got there first, which is fine.
		if err := kube.DeletePod(kubeClient, pod.Namespace, pod.Name); err != nil {
			result.Failed++
			result.Errors = append(result.Errors,
				errors.WithContext("delete "+pod.Namespace+"/"+pod.Name, err))
			continue
		}
		result.Deleted++
	}

	return result, nil
}

func eligible(pod *corev1.Pod, now time.Time, olderThan time.Duration) bool {
	if names.MarkedForDeletion(pod) {
		return true
	}

	created := pod.CreationTimestamp
	if created.IsZero() {
		return false
	}
	return now.Sub(created.Time) > olderThan
}
