package template

import (
	"sort"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/lithammer/dedent"
	"github.com/spf13/afero"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kelda/pvc-inspect/pkg/errors"
	"github.com/kelda/pvc-inspect/pkg/names"
)

// MountPath is the path at which the inspected volume is mounted in every
// container of the pod, regardless of which template supplied the rest of
// the spec.
const MountPath = "/data"

// SSHPort is the port the ssh template's sshd listens on.
const SSHPort = 2222

// Default is the template used when the user doesn't pick one.
const Default = "ssh"

const volumeName = "data"

var fs afero.Fs = afero.NewOsFs()

// The builtin templates only describe the workload itself. Metadata, the
// data volume, and its mounts are injected by Resolve.
var builtins = map[string]string{
	// sshd with SFTP, for the interactive shell and the sshfs tunnel
	// endpoint. The session injects the generated public key through the
	// PUBLIC_KEY environment variable.
	"ssh": dedent.Dedent(`
		spec:
		  containers:
		    - name: sshd
		      image: lscr.io/linuxserver/openssh-server:latest
		      env:
		        - name: USER_NAME
		          value: ssh
		      ports:
		        - containerPort: 2222
	`),

	// A minimal sleeping container for shell-only inspection.
	"shell": dedent.Dedent(`
		spec:
		  containers:
		    - name: shell
		      image: busybox:stable
		      command: ["sleep", "2147483647"]
	`),

	// A web file browser serving the volume's contents.
	"filebrowser": dedent.Dedent(`
		spec:
		  containers:
		    - name: filebrowser
		      image: filebrowser/filebrowser:latest
		      args: ["--root=/data", "--noauth"]
		      ports:
		        - containerPort: 80
	`),
}

// ResolveOptions describes the pod to generate.
type ResolveOptions struct {
	// Template is the name of a builtin template. OverridePath, if set,
	// takes precedence and points at a user-supplied pod manifest.
	Template     string
	OverridePath string

	Claim     string
	Namespace string
	ReadOnly  bool

	// Env is appended to every container. Used to hand the generated
	// public key to the ssh template.
	Env []corev1.EnvVar
}

// Resolve produces a fully-formed pod ready for submission: the template's
// spec with generated metadata, exactly one volume referencing the target
// claim, and exactly one mount of it (at MountPath) in every container.
//
// All validation happens here, before anything is sent to the cluster.
func Resolve(opts ResolveOptions) (*corev1.Pod, error) {
	raw, err := load(opts)
	if err != nil {
		return nil, err
	}

	var pod corev1.Pod
	if err := yaml.Unmarshal(raw, &pod); err != nil {
		return nil, errors.WithContext("parse pod template", err)
	}

	if len(pod.Spec.Containers) == 0 {
		return nil, errors.NewFriendlyError(
			"Invalid pod template: it must define at least one container.")
	}

	// Any metadata supplied by an override is discarded. The generated
	// name and the marker label are load-bearing: the sweeper relies on
	// them to recognize pods it may delete.
	pod.ObjectMeta = metav1.ObjectMeta{
		Name:      names.PodName(opts.Claim),
		Namespace: opts.Namespace,
		Labels:    names.Labels(),
	}

	// Strip any data volume or MountPath mount the template may already
	// define so that the injected ones are the only ones.
	var volumes []corev1.Volume
	for _, volume := range pod.Spec.Volumes {
		if volume.Name != volumeName {
			volumes = append(volumes, volume)
		}
	}
	pod.Spec.Volumes = append(volumes, corev1.Volume{
		Name: volumeName,
		VolumeSource: corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
				ClaimName: opts.Claim,
				ReadOnly:  opts.ReadOnly,
			},
		},
	})

	for i := range pod.Spec.Containers {
		container := &pod.Spec.Containers[i]

		var mounts []corev1.VolumeMount
		for _, mount := range container.VolumeMounts {
			if mount.Name != volumeName && mount.MountPath != MountPath {
				mounts = append(mounts, mount)
			}
		}
		container.VolumeMounts = append(mounts, corev1.VolumeMount{
			Name:      volumeName,
			MountPath: MountPath,
			ReadOnly:  opts.ReadOnly,
		})

		container.Env = append(container.Env, opts.Env...)
	}

	return &pod, nil
}

// ForwardPort returns the in-pod port a session should forward for the
// given options, if the template exposes one. Overrides are opaque, so no
// tunnel is opened for them.
func ForwardPort(opts ResolveOptions) (uint16, bool) {
	if opts.OverridePath != "" {
		return 0, false
	}
	switch opts.Template {
	case "", "ssh":
		return SSHPort, true
	case "filebrowser":
		return 80, true
	}
	return 0, false
}

// SupportsMount returns whether the given options produce a pod whose
// forwarded port speaks SFTP, i.e. whether a local sshfs mount is possible.
func SupportsMount(opts ResolveOptions) bool {
	port, ok := ForwardPort(opts)
	return ok && port == SSHPort
}

// Names lists the builtin template names.
func Names() []string {
	var templateNames []string
	for name := range builtins {
		templateNames = append(templateNames, name)
	}
	sort.Strings(templateNames)
	return templateNames
}

func load(opts ResolveOptions) ([]byte, error) {
	if opts.OverridePath != "" {
		raw, err := afero.ReadFile(fs, opts.OverridePath)
		if err != nil {
			return nil, errors.WithContext("read template override", err)
		}
		return raw, nil
	}

	name := opts.Template
	if name == "" {
		name = Default
	}

	raw, ok := builtins[name]
	if !ok {
		return nil, errors.NewFriendlyError(
			"Unknown template %q. Available templates: %s.",
			name, strings.Join(Names(), ", "))
	}
	return []byte(raw), nil
}
