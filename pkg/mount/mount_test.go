package mount

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
)

func TestPrepareMountpoint(t *testing.T) {
	defer func() { fs = afero.NewOsFs() }()
	fs = afero.NewMemMapFs()

	// A missing mountpoint gets created.
	mountpoint, err := prepareMountpoint("/mnt/inspect")
	assert.NoError(t, err)
	assert.Equal(t, "/mnt/inspect", mountpoint)

	exists, err := afero.DirExists(fs, "/mnt/inspect")
	assert.NoError(t, err)
	assert.True(t, exists)

	// An existing empty directory is fine.
	_, err = prepareMountpoint("/mnt/inspect")
	assert.NoError(t, err)

	// A non-empty directory is rejected.
	err = afero.WriteFile(fs, "/mnt/inspect/file", []byte("contents"), 0644)
	assert.NoError(t, err)

	_, err = prepareMountpoint("/mnt/inspect")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not empty")
}

func TestErrorMessage(t *testing.T) {
	err := Error{assert.AnError}
	assert.Contains(t, err.Error(), "mount: ")
}
