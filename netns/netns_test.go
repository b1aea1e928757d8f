package netns_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-fabricmon/netns"
)

func TestInodeOfCurrentNamespace(t *testing.T) {
	self, err := netns.Inode("")
	require.NoError(t, err)
	assert.NotZero(t, self)

	again, err := netns.Inode("/proc/self/ns/net")
	require.NoError(t, err)
	assert.Equal(t, self, again)
}

func TestRunWithoutPathCallsInPlace(t *testing.T) {
	errFn := errors.New("from fn")
	called := false
	err := netns.Run("", func() error {
		called = true
		return errFn
	})
	assert.True(t, called)
	assert.ErrorIs(t, err, errFn)
}

func TestRunMissingNamespace(t *testing.T) {
	called := false
	err := netns.Run(filepath.Join(t.TempDir(), "nope"), func() error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.Contains(t, err.Error(), "open netns")
}
