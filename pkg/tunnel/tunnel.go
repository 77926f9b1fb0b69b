// Package tunnel forwards a local port to a port inside the inspection pod
// over the Kubernetes API server's port-forward subresource. The forwarded
// channel carries the session's sshfs and any other traffic into the pod, so
// it has to stay open for the whole shell session and be closed before the
// pod is deleted.
package tunnel

import (
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"

	"github.com/kelda/pvc-inspect/pkg/errors"
)

// openTimeout bounds how long Open waits for the forwarder to report ready.
const openTimeout = 30 * time.Second

// Error wraps failures to establish or run the forwarded channel. A tunnel
// failure aborts the session but still runs the teardown cascade.
type Error struct {
	Err error
}

func (err Error) Error() string {
	return fmt.Sprintf("tunnel: %s", err.Err)
}

// Tunnel is a live forwarded channel into a pod.
type Tunnel struct {
	LocalPort  uint16
	RemotePort uint16

	stopChan  chan struct{}
	errChan   chan error
	closeOnce sync.Once
}

// Open establishes a forwarded channel from 127.0.0.1:localPort to the given
// port inside the pod. It returns once the forwarder is listening, or with a
// tunnel.Error if the pod isn't reachable.
func Open(kubeClient kubernetes.Interface, restConfig *rest.Config,
	namespace, pod string, localPort, remotePort uint16) (*Tunnel, error) {

	url := kubeClient.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(pod).
		SubResource("portforward").URL()

	transport, upgrader, err := spdy.RoundTripperFor(restConfig)
	if err != nil {
		return nil, Error{errors.WithContext("setup port forward transport", err)}
	}
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, "POST", url)

	tunnel := &Tunnel{
		LocalPort:  localPort,
		RemotePort: remotePort,
		stopChan:   make(chan struct{}),
		errChan:    make(chan error, 1),
	}

	readyChan := make(chan struct{})
	ports := []string{fmt.Sprintf("%d:%d", localPort, remotePort)}
	forwarder, err := portforward.New(dialer, ports, tunnel.stopChan, readyChan,
		ioutil.Discard, ioutil.Discard)
	if err != nil {
		return nil, Error{errors.WithContext("setup port forwarder", err)}
	}

	go func() {
		tunnel.errChan <- forwarder.ForwardPorts()
	}()

	select {
	case <-readyChan:
		log.WithField("port", localPort).Debug("Port forwarding established")
		return tunnel, nil
	case err := <-tunnel.errChan:
		return nil, Error{errors.WithContext("forward ports", err)}
	case <-time.After(openTimeout):
		tunnel.Close()
		return nil, Error{errors.New("timed out establishing port forward")}
	}
}

// Close tears the tunnel down. It's idempotent, and blocks until the
// forwarding loop has exited so that no forwarded connection survives into
// the pod's deletion.
func (tunnel *Tunnel) Close() {
	tunnel.closeOnce.Do(func() {
		close(tunnel.stopChan)
		if err := <-tunnel.errChan; err != nil {
			log.WithError(err).Debug("Port forwarder exited with error")
		}
	})
}

// PickLocalPort asks the kernel for a free local port to bind the tunnel to.
// The listener is closed right away; the port stays free until the forwarder
// claims it.
func PickLocalPort() (uint16, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, errors.WithContext("pick local port", err)
	}
	defer listener.Close()

	return uint16(listener.Addr().(*net.TCPAddr).Port), nil
}
