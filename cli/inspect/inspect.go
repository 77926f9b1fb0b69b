package inspect

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/kelda/pvc-inspect/pkg/errors"
	"github.com/kelda/pvc-inspect/pkg/kube"
	"github.com/kelda/pvc-inspect/pkg/mount"
	"github.com/kelda/pvc-inspect/pkg/session"
	"github.com/kelda/pvc-inspect/pkg/sshkey"
	"github.com/kelda/pvc-inspect/pkg/template"
	"github.com/kelda/pvc-inspect/pkg/tunnel"
)

func New() *cobra.Command {
	var namespace string
	var templateName string
	var templateFile string
	var mountpoint string
	var readWrite bool
	var noWait bool
	cobraCmd := &cobra.Command{
		Use:   "inspect [CLAIM]",
		Short: "Get a shell in a pod with the given volume claim mounted",
		Long: "Get a shell in a throwaway pod with the given volume claim mounted at " +
			template.MountPath + ".\n\n" +
			"If no claim is given, the claims in the namespace are listed instead. " +
			"The pod is deleted when the shell exits.",
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			kubeClient, restConfig, err := kube.GetClient()
			if err != nil {
				log.WithError(err).Fatal("Failed to connect to the cluster")
			}
			log.WithField("host", restConfig.Host).Info("Connecting to cluster")

			if len(args) == 0 {
				if err := listClaims(kubeClient, namespace); err != nil {
					errors.HandleFatalError(err)
				}
				return
			}

			cmd := inspect{
				kubeClient:   kubeClient,
				restConfig:   restConfig,
				claim:        args[0],
				namespace:    namespace,
				templateName: templateName,
				templateFile: templateFile,
				mountpoint:   mountpoint,
				readWrite:    readWrite,
				noWait:       noWait,
			}
			if err := cmd.run(); err != nil {
				// A non-zero remote shell exit isn't a tool error.
				// Adopt it as our own exit status.
				if code, ok := session.ExitCode(err); ok {
					os.Exit(code)
				}
				errors.HandleFatalError(err)
			}
		},
	}
	cobraCmd.Flags().StringVarP(&namespace, "namespace", "n", corev1.NamespaceDefault,
		"The namespace of the volume claim")
	cobraCmd.Flags().StringVarP(&templateName, "template", "t", template.Default,
		fmt.Sprintf("The pod template to inspect with (%v)", template.Names()))
	cobraCmd.Flags().StringVarP(&templateFile, "template-file", "f", "",
		"Path to a pod manifest to use instead of a builtin template")
	cobraCmd.Flags().StringVarP(&mountpoint, "mountpoint", "m", "",
		"Local directory to mount the volume at via sshfs")
	cobraCmd.Flags().BoolVarP(&readWrite, "rw", "", false,
		"Mount the volume in read/write mode rather than read only")
	cobraCmd.Flags().BoolVarP(&noWait, "nowait", "", false,
		"Don't wait until the pod has been deleted")
	return cobraCmd
}

type inspect struct {
	kubeClient   kubernetes.Interface
	restConfig   *rest.Config
	claim        string
	namespace    string
	templateName string
	templateFile string
	mountpoint   string
	readWrite    bool
	noWait       bool
}

func (cmd *inspect) run() error {
	resolveOpts := template.ResolveOptions{
		Template:     cmd.templateName,
		OverridePath: cmd.templateFile,
		Claim:        cmd.claim,
		Namespace:    cmd.namespace,
		ReadOnly:     !cmd.readWrite,
	}

	// Everything that can fail without a cluster write fails here, before
	// any pod is submitted.
	if cmd.mountpoint != "" && !template.SupportsMount(resolveOpts) {
		return errors.NewFriendlyError(
			"--mountpoint requires the %q template: the local mount runs over "+
				"the pod's SFTP endpoint.", template.Default)
	}

	_, err := cmd.kubeClient.CoreV1().PersistentVolumeClaims(cmd.namespace).
		Get(cmd.claim, metav1.GetOptions{})
	switch {
	case kerrors.IsNotFound(err):
		return errors.NewFriendlyError("Volume claim %q not found in namespace %q.",
			cmd.claim, cmd.namespace)
	case err != nil:
		return errors.WithContext("get volume claim", err)
	}

	if cmd.readWrite {
		log.Warn("Volume will be mounted in read/write mode")
	}

	log.Info("Generating keys")
	privateKeyPEM, authorizedKey, err := sshkey.Generate()
	if err != nil {
		return err
	}
	keyPath, cleanupKey, err := sshkey.WriteTemp(privateKeyPEM)
	if err != nil {
		return err
	}
	defer cleanupKey()

	resolveOpts.Env = []corev1.EnvVar{{Name: "PUBLIC_KEY", Value: authorizedKey}}
	pod, err := template.Resolve(resolveOpts)
	if err != nil {
		return err
	}

	controller := session.NewController(cmd.kubeClient, cmd.restConfig,
		cmd.namespace, !cmd.noWait)

	// Catch interrupts before anything is created so that a signal at any
	// point after creation runs the same teardown cascade.
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)

	sessionDone := make(chan error, 1)
	go func() {
		sessionDone <- cmd.runSession(controller, resolveOpts, pod, keyPath)
	}()

	select {
	case err := <-sessionDone:
		return firstError(err, cmd.teardown(controller))

	case <-exit:
		// The session goroutine may still be blocked streaming the
		// shell, so its own restore never runs before we exit. Undo
		// raw mode here so the cleanup logs (and the user's prompt)
		// land on a sane terminal.
		controller.RestoreTerminal()
		log.Info("Interrupted. Cleaning up")

		teardownDone := make(chan error, 1)
		go func() {
			teardownDone <- cmd.teardown(controller)
		}()

		select {
		case err := <-teardownDone:
			return err
		case <-exit:
			// Second signal: exit without waiting for the cleanup
			// to be confirmed. The sweeper covers whatever's left.
			log.Warn("Exiting without confirming the pod's deletion")
			return nil
		}
	}
}

// runSession is the session's happy path. Whatever it returns, the teardown
// cascade runs next.
func (cmd *inspect) runSession(controller *session.Controller,
	resolveOpts template.ResolveOptions, pod *corev1.Pod, keyPath string) error {

	log.Info("Creating pod")
	if err := controller.Create(pod); err != nil {
		return err
	}

	log.WithField("pod", controller.PodName()).Info("Waiting for pod to become ready")
	if err := controller.WaitReady(session.DefaultReadyTimeout); err != nil {
		return err
	}

	if remotePort, ok := template.ForwardPort(resolveOpts); ok {
		localPort, err := tunnel.PickLocalPort()
		if err != nil {
			return err
		}

		log.WithField("port", localPort).Info("Starting port forwarding")
		forwarded, err := tunnel.Open(cmd.kubeClient, cmd.restConfig,
			cmd.namespace, controller.PodName(), localPort, remotePort)
		if err != nil {
			return err
		}
		// An interrupt can run the teardown cascade while Open is in
		// flight. If registration loses that race, the tunnel is ours
		// to close.
		if !controller.RegisterTunnelClose(forwarded.Close) {
			forwarded.Close()
			return errors.New("session interrupted")
		}

		if cmd.mountpoint != "" {
			log.WithField("mountpoint", cmd.mountpoint).Info("Mounting volume")
			handle, err := mount.Mount(mount.Options{
				Mountpoint:   cmd.mountpoint,
				Port:         localPort,
				RemotePath:   template.MountPath,
				IdentityFile: keyPath,
				ReadOnly:     !cmd.readWrite,
			})
			if err != nil {
				return err
			}
			if !controller.RegisterUnmount(handle.Unmount) {
				handle.Unmount()
				return errors.New("session interrupted")
			}
		}
	}

	log.Info("Connecting to pod. Type Control+D to exit the shell")
	return controller.AttachShell()
}

// teardown runs the cascade and reports how it went. A pod we failed to
// delete is stranded resource usage, so that's surfaced loudly; a timeout
// merely waiting for the deletion to be confirmed is not fatal.
func (cmd *inspect) teardown(controller *session.Controller) error {
	err := controller.Teardown()
	switch {
	case err == nil:
		return nil
	case err == session.ErrDeletionTimeout:
		log.Warn("Timed out waiting for the pod's deletion to be confirmed. " +
			"The cluster should finish it eventually; `pvc-inspect cleanup` will " +
			"reap the pod if it doesn't.")
		return nil
	default:
		log.WithError(err).Error("Failed to delete the inspection pod. " +
			"Run `pvc-inspect cleanup` to remove it.")
		return err
	}
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func listClaims(kubeClient kubernetes.Interface, namespace string) error {
	pvcList, err := kubeClient.CoreV1().PersistentVolumeClaims(namespace).
		List(metav1.ListOptions{})
	if err != nil {
		return errors.WithContext("list volume claims", err)
	}

	fmt.Printf("Volume claims in namespace %q:\n", namespace)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 4, ' ', 0)
	fmt.Fprintln(w, "NAME\tCREATED\tSIZE")
	for _, pvc := range pvcList.Items {
		var size string
		if storage, ok := pvc.Spec.Resources.Requests[corev1.ResourceStorage]; ok {
			size = storage.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			pvc.Name, pvc.CreationTimestamp.Format(time.RFC3339), size)
	}
	w.Flush()

	log.Warn("Provide the name of a volume claim to inspect it.")
	return nil
}
