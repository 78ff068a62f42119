//go:build e2e

package e2e

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/fgeck/gowake-homelab/internal/services/probe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbe_Loopback_E2E(t *testing.T) {
	svc := probe.New(testLogger())

	result, err := svc.Probe(context.Background(), "127.0.0.1", 2*time.Second)

	require.NoError(t, err)
	if result.Error != nil {
		t.Skipf("ICMP sockets unavailable: %v", result.Error)
	}
	assert.True(t, result.Reachable)
}

func TestProbe_Unroutable_E2E(t *testing.T) {
	svc := probe.New(testLogger())

	// TEST-NET-1 is reserved for documentation and never answers.
	start := time.Now()
	result, err := svc.Probe(context.Background(), "192.0.2.1", 500*time.Millisecond)

	require.NoError(t, err)
	assert.False(t, result.Reachable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestProbe_RealHost_E2E(t *testing.T) {
	host := os.Getenv("TEST_PROBE_HOST")
	if host == "" {
		t.Skip("TEST_PROBE_HOST not set")
	}

	svc := probe.New(testLogger())

	result, err := svc.Probe(context.Background(), host, 2*time.Second)

	require.NoError(t, err)
	assert.Nil(t, result.Error)
	assert.True(t, result.Reachable)
}
