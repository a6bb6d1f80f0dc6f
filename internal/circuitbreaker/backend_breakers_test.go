package circuitbreaker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackendBreakers_TripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBackendBreakers()
	cb := b.Spawn("subprocess")

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, errors.New("spawn failed")
		})
		require.Error(t, err)
	}

	require.Equal(t, StateOpen, cb.State())

	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBackendBreakers_IndependentPerKind(t *testing.T) {
	b := NewBackendBreakers()
	docker := b.Spawn("docker")
	subprocess := b.Spawn("subprocess")

	require.NotSame(t, docker, subprocess)

	for i := 0; i < 3; i++ {
		_, _ = docker.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	}
	require.Equal(t, StateOpen, docker.State())
	require.Equal(t, StateClosed, subprocess.State())
}

func TestBackendBreakers_HealthStatus(t *testing.T) {
	b := NewBackendBreakers()
	status, _ := b.HealthStatus()
	require.Equal(t, "HEALTHY", status)

	cb := b.Spawn("subprocess")
	for i := 0; i < 3; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	}
	status, details := b.HealthStatus()
	require.Equal(t, "DEGRADED", status)
	require.Equal(t, "OPEN", details["subprocess"])
}
