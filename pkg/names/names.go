package names

import (
	"fmt"
	"regexp"
	"strings"

	corev1 "k8s.io/api/core/v1"
	utilrand "k8s.io/apimachinery/pkg/util/rand"

	"github.com/kelda/pvc-inspect/pkg/hash"
)

// Prefix is prepended to the name of every pod created by this tool. It is
// part of the marker convention: the sweeper only ever touches pods carrying
// the marker label, and the prefix makes them recognizable to humans in
// `kubectl get pods` output.
const Prefix = "pvc-inspect-"

// LabelKey is the label that marks pods as owned by this tool.
const LabelKey = "pvc-inspect"

const (
	// LabelActive is the label value set on pods belonging to a live
	// session.
	LabelActive = "1"

	// LabelDelete marks a pod for deletion by the sweeper regardless of
	// its age. It's set just before a session deletes its pod, so that a
	// failed delete still results in eventual cleanup.
	LabelDelete = "0"
)

// The suffix must keep the full name within the 63 character DNS-1123 limit:
// len(Prefix) + maxClaimLen + len("-") + suffixLen <= 63.
const (
	suffixLen   = 5
	maxClaimLen = 45
)

var invalidChars = regexp.MustCompile(`[^-a-z0-9]`)

// PodName generates the name for the pod inspecting the given volume claim.
// The name embeds a sanitized version of the claim name for readability, and
// a random suffix so that concurrent sessions against the same claim don't
// collide.
func PodName(claim string) string {
	sanitized := strings.ToLower(claim)
	sanitized = invalidChars.ReplaceAllString(sanitized, "")
	sanitized = strings.Trim(sanitized, "-")

	// If truncation drops part of the claim name, append a short hash so
	// that long claim names that share a prefix remain distinguishable.
	if len(sanitized) > maxClaimLen {
		h := hash.DnsCompliant(claim)[:6]
		sanitized = fmt.Sprintf("%s-%s", sanitized[:maxClaimLen-7], h)
	}

	// Claim names consisting purely of prohibited characters would
	// otherwise produce a name with a double hyphen.
	if len(sanitized) == 0 {
		sanitized = "claim"
	}

	return fmt.Sprintf("%s%s-%s", Prefix, sanitized, utilrand.String(suffixLen))
}

// Labels returns the marker labels applied to every pod created by this
// tool.
func Labels() map[string]string {
	return map[string]string{LabelKey: LabelActive}
}

// HasMarker returns whether the given pod was created by this tool. It is
// the sole signal the sweeper uses to decide whether a pod is eligible for
// deletion.
func HasMarker(pod *corev1.Pod) bool {
	_, ok := pod.Labels[LabelKey]
	return ok
}

// MarkedForDeletion returns whether the pod was explicitly flagged for
// removal by a previous session.
func MarkedForDeletion(pod *corev1.Pod) bool {
	return pod.Labels[LabelKey] == LabelDelete
}
