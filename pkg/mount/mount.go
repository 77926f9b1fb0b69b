// Package mount attaches the tunnel's SFTP endpoint to a local directory via
// sshfs. The mount is a scoped resource: every exit path of a session must
// unmount before the tunnel is closed, since an sshfs unmount against a dead
// transport can hang.
package mount

import (
	"fmt"
	"os/exec"
	"sync"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/kelda/pvc-inspect/pkg/errors"
)

// Error wraps failures to establish the local mount. A mount failure aborts
// the session but still runs the teardown cascade.
type Error struct {
	Err error
}

func (err Error) Error() string {
	return fmt.Sprintf("mount: %s", errors.GetPrintableMessage(err.Err))
}

// Options describes the mount to establish.
type Options struct {
	// Mountpoint is the local directory to mount at. "~" is expanded.
	Mountpoint string

	// Port is the local end of the tunnel to the pod's sshd.
	Port uint16

	// RemotePath is the directory inside the pod to expose.
	RemotePath string

	// IdentityFile is the path to the private key matching the public key
	// the pod was created with.
	IdentityFile string

	ReadOnly bool
}

// Handle represents a live local mount.
type Handle struct {
	mountpoint  string
	cmd         *exec.Cmd
	unmountOnce sync.Once
}

var fs afero.Fs = afero.NewOsFs()

// Mount attaches the pod's filesystem at the given mountpoint.
func Mount(opts Options) (*Handle, error) {
	mountpoint, err := prepareMountpoint(opts.Mountpoint)
	if err != nil {
		return nil, Error{err}
	}

	args := []string{
		fmt.Sprintf("ssh@127.0.0.1:%s", opts.RemotePath),
		mountpoint,
		"-f",
		"-p", fmt.Sprintf("%d", opts.Port),
		"-o", "auto_unmount",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", fmt.Sprintf("IdentityFile=%s", opts.IdentityFile),
	}
	if opts.ReadOnly {
		args = append(args, "-o", "ro")
	}

	// Run sshfs in the foreground so that the process's lifetime matches
	// the mount's.
	cmd := exec.Command("sshfs", args...)
	if err := cmd.Start(); err != nil {
		if execErr, ok := err.(*exec.Error); ok && execErr.Err == exec.ErrNotFound {
			return nil, Error{errors.NewFriendlyError(
				"`sshfs` was not found in PATH. Install sshfs, or rerun " +
					"without --mountpoint to just get a shell.")}
		}
		return nil, Error{errors.WithContext("start sshfs", err)}
	}

	return &Handle{mountpoint: mountpoint, cmd: cmd}, nil
}

// Unmount releases the mount. It's idempotent and best-effort: the kernel
// drops the mount when the sshfs process dies even if fusermount fails.
func (handle *Handle) Unmount() {
	handle.unmountOnce.Do(func() {
		if err := exec.Command("fusermount", "-u", handle.mountpoint).Run(); err != nil {
			// fusermount isn't available everywhere (e.g. macOS).
			if err := exec.Command("umount", handle.mountpoint).Run(); err != nil {
				log.WithError(err).Debug("Unmount command failed")
			}
		}

		if err := handle.cmd.Process.Kill(); err != nil {
			log.WithError(err).Debug("Failed to kill sshfs")
		}
		_ = handle.cmd.Wait()
	})
}

// prepareMountpoint expands, creates, and sanity checks the mountpoint.
// Mounting over a non-empty directory would hide its contents, so that's
// rejected rather than guessed at.
func prepareMountpoint(path string) (string, error) {
	mountpoint, err := homedir.Expand(path)
	if err != nil {
		return "", errors.WithContext("expand mountpoint", err)
	}

	if err := fs.MkdirAll(mountpoint, 0755); err != nil {
		return "", errors.WithContext("create mountpoint", err)
	}

	entries, err := afero.ReadDir(fs, mountpoint)
	if err != nil {
		return "", errors.WithContext("read mountpoint", err)
	}
	if len(entries) > 0 {
		return "", errors.NewFriendlyError(
			"Mountpoint %s is not empty. Pick an empty directory.", mountpoint)
	}

	return mountpoint, nil
}
