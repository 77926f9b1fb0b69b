package kube

import (
	goerrors "errors"
	"time"

	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/kelda/pvc-inspect/pkg/errors"
)

// ErrWaitTimeout is returned when a pod doesn't reach the awaited state
// within the caller's deadline, or when the watch stream fails more times
// than we're willing to re-establish it.
var ErrWaitTimeout = goerrors.New("timed out waiting for pod")

// maxWatchRetries bounds how many times a dropped watch stream is
// re-established before the wait is abandoned.
const maxWatchRetries = 3

// WaitForPod blocks until the given condition holds for the pod, the watch
// stream is exhausted, or the timeout elapses.
//
// The implementation watches the pod rather than polling so that updates
// aren't missed, but the condition is always evaluated against a fresh Get.
// A periodic ticker covers the case where the watch silently stalls.
func WaitForPod(kubeClient kubernetes.Interface, namespace, name string,
	timeout time.Duration, condition func(*corev1.Pod) bool) error {

	podClient := kubeClient.CoreV1().Pods(namespace)
	watchOpts := metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("metadata.name", name).String(),
	}
	deadline := time.After(timeout)

	for retries := 0; ; retries++ {
		if retries > maxWatchRetries {
			return ErrWaitTimeout
		}

		watcher, err := podClient.Watch(watchOpts)
		if err != nil {
			select {
			case <-deadline:
				return ErrWaitTimeout
			case <-time.After(time.Second):
			}
			continue
		}

		done, err := awaitCondition(watcher.ResultChan(), deadline, func() (bool, error) {
			pod, err := podClient.Get(name, metav1.GetOptions{})
			if err != nil {
				return false, errors.WithContext("get pod", err)
			}
			return condition(pod), nil
		})
		watcher.Stop()
		if done || err != nil {
			return err
		}
	}
}

// AwaitDeletion blocks until the pod no longer exists in the cluster. The
// pod's deletion can lag arbitrarily behind the delete call due to finalizers
// and grace periods, so "delete accepted" is not enough for callers that need
// the object gone.
func AwaitDeletion(kubeClient kubernetes.Interface, namespace, name string,
	timeout time.Duration) error {

	podClient := kubeClient.CoreV1().Pods(namespace)
	watchOpts := metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("metadata.name", name).String(),
	}
	deadline := time.After(timeout)

	for retries := 0; ; retries++ {
		if retries > maxWatchRetries {
			return ErrWaitTimeout
		}

		watcher, err := podClient.Watch(watchOpts)
		if err != nil {
			select {
			case <-deadline:
				return ErrWaitTimeout
			case <-time.After(time.Second):
			}
			continue
		}

		done, err := awaitCondition(watcher.ResultChan(), deadline, func() (bool, error) {
			_, err := podClient.Get(name, metav1.GetOptions{})
			switch {
			case kerrors.IsNotFound(err):
				return true, nil
			case err != nil:
				return false, errors.WithContext("get pod", err)
			}
			return false, nil
		})
		watcher.Stop()
		if done || err != nil {
			return err
		}
	}
}

// awaitCondition re-evaluates the condition whenever the watch fires, on a
// ticker as a backstop, and returns (false, nil) if the watch stream closes
// so the caller can re-establish it.
func awaitCondition(watcherChan <-chan watch.Event, deadline <-chan time.Time,
	condition func() (bool, error)) (bool, error) {

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		ok, err := condition()
		if ok || err != nil {
			return ok, err
		}

		select {
		case <-deadline:
			return false, ErrWaitTimeout
		case _, ok := <-watcherChan:
			if !ok {
				return false, nil
			}
		case <-ticker.C:
		}
	}
}
