package cleanup

import (
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	corev1 "k8s.io/api/core/v1"

	"github.com/kelda/pvc-inspect/pkg/errors"
	"github.com/kelda/pvc-inspect/pkg/kube"
	"github.com/kelda/pvc-inspect/pkg/sweep"
)

// defaultMinAge is how old (in minutes) an inspection pod has to be before
// the sweeper considers it abandoned.
const defaultMinAge = 4 * 60

func New() *cobra.Command {
	var namespace string
	var allNamespaces bool
	var minAge uint
	cobraCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete stale inspection pods",
		Long: "Delete inspection pods left behind by aborted sessions.\n\n" +
			"Only pods created by this tool are considered, recognized by their " +
			"marker label. Safe to run from a cron job.",
		Run: func(_ *cobra.Command, _ []string) {
			kubeClient, _, err := kube.GetClient()
			if err != nil {
				log.WithError(err).Fatal("Failed to connect to the cluster")
			}

			scope := namespace
			if allNamespaces {
				scope = corev1.NamespaceAll
			}

			log.WithField("olderThan", minAge).Info("Cleaning up stale pods")
			result, err := sweep.Sweep(kubeClient, scope,
				time.Duration(minAge)*time.Minute)
			if err != nil {
				errors.HandleFatalError(err)
			}

			for _, sweepErr := range result.Errors {
				log.WithError(sweepErr).Error("Failed to delete pod")
			}
			log.WithFields(log.Fields{
				"examined": result.Examined,
				"deleted":  result.Deleted,
				"failed":   result.Failed,
			}).Info("Cleanup complete")

			if result.Failed > 0 {
				os.Exit(1)
			}
		},
	}
	cobraCmd.Flags().StringVarP(&namespace, "namespace", "n", corev1.NamespaceDefault,
		"The namespace to clean up")
	cobraCmd.Flags().BoolVarP(&allNamespaces, "all-namespaces", "A", false,
		"Clean up across all namespaces")
	cobraCmd.Flags().UintVarP(&minAge, "min", "", defaultMinAge,
		"Minimum age in minutes before a pod is considered stale")
	return cobraCmd
}
