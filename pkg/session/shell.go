package session

import (
	"fmt"
	"os"

	"golang.org/x/crypto/ssh/terminal"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/utils/exec"

	"github.com/kelda/pvc-inspect/pkg/errors"
	"github.com/kelda/pvc-inspect/pkg/template"
)

// AttachShell attaches the invoking terminal to a shell inside the pod,
// started in the volume's mount directory. It blocks until the remote shell
// exits; the teardown cascade is sequenced as a continuation of its return,
// whatever the outcome.
//
// A non-zero remote exit comes back as a utilexec.CodeExitError so the
// caller can adopt the code as its own exit status instead of treating it as
// a tool failure.
func (c *Controller) AttachShell() error {
	// Put the terminal into raw mode to prevent it echoing characters twice.
	oldState, err := terminal.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return errors.WithContext("set terminal mode", err)
	}

	// The state is kept on the controller so that an interrupt handler can
	// restore the terminal even while the stream below is still blocked.
	c.saveTermState(oldState)
	defer c.RestoreTerminal()

	execOpts := corev1.PodExecOptions{
		Command: []string{"sh", "-c", fmt.Sprintf("cd %s && exec sh", template.MountPath)},
		Stdin:   true,
		Stdout:  true,
		Stderr:  true,
		TTY:     true,
	}
	streamOpts := remotecommand.StreamOptions{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Tty:    true,
	}

	req := c.kubeClient.CoreV1().RESTClient().Post().
		Resource("pods").
		SubResource("exec").
		Name(c.PodName()).
		Namespace(c.namespace).
		VersionedParams(&execOpts, scheme.ParameterCodec)
	exec, err := remotecommand.NewSPDYExecutor(c.restConfig, "POST", req.URL())
	if err != nil {
		return errors.WithContext("setup remote shell", err)
	}

	if err := exec.Stream(streamOpts); err != nil {
		if _, ok := err.(utilexec.CodeExitError); ok {
			return err
		}
		return errors.WithContext("stream", err)
	}
	return nil
}

func (c *Controller) saveTermState(state *terminal.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.termState = state
}

// RestoreTerminal returns the terminal to the state it was in before
// AttachShell put it into raw mode. It's a no-op if the terminal isn't raw,
// so it's safe to call unconditionally from interrupt handlers, including
// while the shell is still attached.
func (c *Controller) RestoreTerminal() {
	c.mu.Lock()
	state := c.termState
	c.termState = nil
	c.mu.Unlock()

	if state != nil {
		_ = terminal.Restore(int(os.Stdin.Fd()), state)
	}
}

// ExitCode extracts the remote shell's exit code from an AttachShell error.
func ExitCode(err error) (int, bool) {
	if exitErr, ok := err.(utilexec.CodeExitError); ok {
		return exitErr.Code, true
	}
	return 0, false
}
