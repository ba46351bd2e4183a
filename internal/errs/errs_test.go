package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindsMatchSentinels(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"validation", Validation("endDate", "must not be before startDate"), ErrValidation},
		{"not found", NotFound("job", "123"), ErrNotFound},
		{"conflict", Conflict("organization already offboarding"), ErrConflict},
		{"permission", Permission("default organization is protected"), ErrPermission},
		{"executor", ExecutorUnavailable("extraction", errors.New("dial tcp: refused")), ErrExecutorUnavailable},
		{"transition", InvalidTransition("job", "123", "completed", "running"), ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			require.ErrorIs(t, wrapped, tt.kind)

			for _, other := range []error{ErrValidation, ErrNotFound, ErrConflict, ErrPermission, ErrExecutorUnavailable, ErrInvalidTransition} {
				if other == tt.kind {
					continue
				}
				require.NotErrorIs(t, wrapped, other)
			}
		})
	}
}

func TestConflictErrorListsBlockingJobs(t *testing.T) {
	err := &ConflictError{Message: "organization has active extraction jobs", BlockingJobIDs: []string{"a", "b"}}
	require.Equal(t, "organization has active extraction jobs (blocking jobs: a, b)", err.Error())

	var ce *ConflictError
	require.True(t, errors.As(fmt.Errorf("purge: %w", err), &ce))
	require.Equal(t, []string{"a", "b"}, ce.BlockingJobIDs)
}

func TestExecutorUnavailableUnwraps(t *testing.T) {
	cause := errors.New("context deadline exceeded")
	err := ExecutorUnavailable("analysis", cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "analysis")
}

func TestSentinelMatchesKind(t *testing.T) {
	errJobNotFound := Sentinel(ErrNotFound, "job not found")
	err := fmt.Errorf("%w: 0192", errJobNotFound)
	require.ErrorIs(t, err, errJobNotFound)
	require.ErrorIs(t, err, ErrNotFound)
	require.NotErrorIs(t, err, ErrConflict)
	require.Equal(t, "job not found: 0192", err.Error())
}
