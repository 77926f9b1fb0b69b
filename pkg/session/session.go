// Package session owns the lifecycle of one inspection pod: creating it,
// waiting for it to become ready, and tearing everything down in a fixed
// order on every exit path.
package session

import (
	goerrors "errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh/terminal"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/kelda/pvc-inspect/pkg/errors"
	"github.com/kelda/pvc-inspect/pkg/kube"
)

const (
	// DefaultReadyTimeout bounds how long a session waits for its pod to
	// become ready before deleting it and giving up.
	DefaultReadyTimeout = 5 * time.Minute

	// deletionTimeout bounds the optional wait for the pod to disappear
	// after deletion. Past it we trust the cluster (or the sweeper) to
	// finish the job.
	deletionTimeout = 2 * time.Minute
)

// ErrReadyTimeout is returned by WaitReady when the pod doesn't become ready
// in time. The pod has already been deleted by the time it's returned.
var ErrReadyTimeout = goerrors.New("pod never became ready")

// ErrDeletionTimeout is returned by Teardown when the pod's deletion was
// issued but couldn't be confirmed in time. It's a report, not a failure:
// the process still exits, and cluster-side garbage collection or the
// sweeper completes the cleanup.
var ErrDeletionTimeout = goerrors.New("timed out waiting for pod deletion")

// CreationError means the pod submission itself was rejected. Nothing was
// created, so there's nothing to tear down.
type CreationError struct {
	Err error
}

func (err CreationError) Error() string {
	return fmt.Sprintf("create pod: %s", err.Err)
}

// Controller drives a single inspection session. Each invocation of the tool
// owns exactly one Controller, one pod, one tunnel, and one mount.
type Controller struct {
	kubeClient      kubernetes.Interface
	restConfig      *rest.Config
	namespace       string
	waitForDeletion bool

	mu          sync.Mutex
	podName     string
	tornDown    bool
	unmount     func()
	closeTunnel func()
	termState   *terminal.State
}

// NewController returns a controller for one session in the given namespace.
// If waitForDeletion is set, Teardown blocks until the pod is confirmed gone
// rather than just accepted for deletion.
func NewController(kubeClient kubernetes.Interface, restConfig *rest.Config,
	namespace string, waitForDeletion bool) *Controller {

	return &Controller{
		kubeClient:      kubeClient,
		restConfig:      restConfig,
		namespace:       namespace,
		waitForDeletion: waitForDeletion,
	}
}

// PodName returns the name of the session's pod, or "" before Create.
func (c *Controller) PodName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.podName
}

// RegisterUnmount registers the closure run first in the teardown cascade.
// It returns false if the cascade has already run, in which case the closure
// won't be called and the caller must release the mount itself.
func (c *Controller) RegisterUnmount(unmount func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tornDown {
		return false
	}
	c.unmount = unmount
	return true
}

// RegisterTunnelClose registers the closure run after unmount and before the
// pod's deletion in the teardown cascade. Like RegisterUnmount, it returns
// false if the cascade has already run.
func (c *Controller) RegisterTunnelClose(closeTunnel func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tornDown {
		return false
	}
	c.closeTunnel = closeTunnel
	return true
}

// Create submits the resolved pod. On rejection it returns a CreationError
// and performs no further action.
//
// If an interrupt already ran the teardown cascade while the submission was
// in flight, the freshly created pod is deleted immediately so that the
// create can't race the teardown into a leak.
func (c *Controller) Create(pod *corev1.Pod) error {
	created, err := c.kubeClient.CoreV1().Pods(c.namespace).Create(pod)
	if err != nil {
		return CreationError{err}
	}

	c.mu.Lock()
	c.podName = created.Name
	tornDown := c.tornDown
	c.mu.Unlock()

	if tornDown {
		if err := kube.DeletePod(c.kubeClient, c.namespace, created.Name); err != nil {
			log.WithError(err).Error("Failed to delete pod created during shutdown")
		}
		return CreationError{errors.New("session interrupted")}
	}
	return nil
}

// WaitReady blocks until every container in the pod reports ready. If the
// pod doesn't get there within the timeout (or the watch is exhausted), the
// pod is deleted before ErrReadyTimeout is surfaced: no pod is ever
// abandoned on this path.
func (c *Controller) WaitReady(timeout time.Duration) error {
	err := kube.WaitForPod(c.kubeClient, c.namespace, c.PodName(), timeout, podReady)
	if err == nil {
		return nil
	}

	if teardownErr := c.Teardown(); teardownErr != nil {
		log.WithError(teardownErr).Error("Failed to clean up pod that never became ready")
	}

	if err == kube.ErrWaitTimeout {
		return ErrReadyTimeout
	}
	return errors.WithContext("wait for pod", err)
}

// Teardown runs the cleanup cascade in fixed order: unmount, close tunnel,
// delete pod, and (if configured) wait for the deletion to be confirmed.
// It runs at most once per session; later calls are no-ops. It's reachable
// both from the normal post-shell path and from the interrupt handler, and
// is safe to call even if nothing was created yet.
func (c *Controller) Teardown() error {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return nil
	}
	c.tornDown = true
	podName := c.podName
	unmount := c.unmount
	closeTunnel := c.closeTunnel
	c.mu.Unlock()

	if unmount != nil {
		log.Info("Unmounting")
		unmount()
	}

	if closeTunnel != nil {
		log.Info("Stopping port forwarding")
		closeTunnel()
	}

	if podName == "" {
		return nil
	}

	log.WithField("pod", podName).Info("Deleting pod")

	// Mark the pod for the sweeper before deleting, in case the delete
	// call itself fails or the caller lacks delete permissions.
	if err := kube.MarkForDeletion(c.kubeClient, c.namespace, podName); err != nil {
		log.WithError(err).Warn("Failed to mark pod for deletion")
	}

	if err := kube.DeletePod(c.kubeClient, c.namespace, podName); err != nil {
		return errors.WithContext("delete pod", err)
	}

	if c.waitForDeletion {
		log.Info("Waiting for deletion")
		if err := kube.AwaitDeletion(c.kubeClient, c.namespace, podName, deletionTimeout); err != nil {
			if err == kube.ErrWaitTimeout {
				return ErrDeletionTimeout
			}
			return errors.WithContext("wait for deletion", err)
		}
		log.Info("Pod deleted")
	}

	return nil
}

// podReady is the readiness condition awaited after creation: the pod is
// running and every container reports ready.
func podReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	if len(pod.Status.ContainerStatuses) == 0 {
		return false
	}
	for _, containerStatus := range pod.Status.ContainerStatuses {
		if !containerStatus.Ready {
			return false
		}
	}
	return true
}
