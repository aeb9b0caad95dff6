//go:build unix

package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLaunchSpecValidate(t *testing.T) {
	spec := LaunchSpec{}
	err := spec.Validate()
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Fields, 4)
	assert.Equal(t,
		"display_id: must be at least 1; endpoint: is required; identity: keypair path is required; threads: must be at least 1",
		verr.Error())
}

func TestLaunchRejectsInvalidSpec(t *testing.T) {
	l := NewProcessLauncher(zaptest.NewLogger(t), shellBuilder{binary: "sh", script: "true"}, OutputConfig{})

	spec := testSpec(3)
	spec.Threads = 0
	_, err := l.Launch(context.Background(), spec)
	assert.ErrorIs(t, err, ErrSpawnFailed)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "threads")
}
