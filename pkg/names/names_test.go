package names_test

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kelda/pvc-inspect/pkg/names"
)

func TestPodName(t *testing.T) {
	tests := []struct {
		name    string
		claim   string
		expBase string
	}{
		{
			name:    "already valid",
			claim:   "my-pvc",
			expBase: "pvc-inspect-my-pvc",
		},
		{
			name:    "convert to lowercase",
			claim:   "My-PVC",
			expBase: "pvc-inspect-my-pvc",
		},
		{
			name:    "remove garbage characters",
			claim:   "my_data.claim",
			expBase: "pvc-inspect-mydataclaim",
		},
		{
			name:    "trim hyphens",
			claim:   "-my-pvc-",
			expBase: "pvc-inspect-my-pvc",
		},
		{
			name:    "purely invalid characters",
			claim:   "^^^",
			expBase: "pvc-inspect-claim",
		},
	}

	suffix := regexp.MustCompile(`^-[a-z0-9]{5}$`)
	for _, test := range tests {
		podName := names.PodName(test.claim)
		assert.True(t, strings.HasPrefix(podName, test.expBase), test.name)
		assert.Regexp(t, suffix, strings.TrimPrefix(podName, test.expBase), test.name)
	}
}

func TestPodNameLength(t *testing.T) {
	longClaim := strings.Repeat("claim-name-", 10)
	podName := names.PodName(longClaim)
	assert.True(t, len(podName) <= 63, podName)
	assert.True(t, strings.HasPrefix(podName, names.Prefix))
}

func TestPodNameUnique(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		podName := names.PodName("my-pvc")
		_, dupe := seen[podName]
		assert.False(t, dupe, podName)
		seen[podName] = struct{}{}
	}
}

func TestMarker(t *testing.T) {
	marked := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
		Labels: names.Labels(),
	}}
	foreign := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
		Labels: map[string]string{"app": "nginx"},
	}}
	flagged := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
		Labels: map[string]string{names.LabelKey: names.LabelDelete},
	}}

	assert.True(t, names.HasMarker(marked))
	assert.False(t, names.HasMarker(foreign))
	assert.True(t, names.HasMarker(flagged))

	assert.False(t, names.MarkedForDeletion(marked))
	assert.False(t, names.MarkedForDeletion(foreign))
	assert.True(t, names.MarkedForDeletion(flagged))
}
