package tunnel

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPickLocalPort(t *testing.T) {
	port, err := PickLocalPort()
	assert.NoError(t, err)
	assert.NotZero(t, port)

	// The port should be free for the forwarder to claim.
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	assert.NoError(t, err)
	listener.Close()
}

func TestCloseIdempotent(t *testing.T) {
	tunnel := &Tunnel{
		LocalPort:  8022,
		RemotePort: 2222,
		stopChan:   make(chan struct{}),
		errChan:    make(chan error, 1),
	}
	tunnel.errChan <- nil

	tunnel.Close()
	tunnel.Close()

	select {
	case <-tunnel.stopChan:
	default:
		t.Error("expected stop channel to be closed")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Error{fmt.Errorf("connection refused")}
	assert.Equal(t, "tunnel: connection refused", err.Error())
}
