//go:build integration
// +build integration

package store

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/serverless-containers/guardian/internal/domain"
)

// startCouchDB launches a real CouchDB container for the store facade
// to round-trip against; gated behind the integration build tag since
// it needs a container runtime.
func startCouchDB(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "couchdb:3.3",
		ExposedPorts: []string{"5984/tcp"},
		Env: map[string]string{
			"COUCHDB_USER":     "admin",
			"COUCHDB_PASSWORD": "admin",
		},
		WaitingFor: wait.ForListeningPort("5984/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5984")
	require.NoError(t, err)

	return "http://" + host + ":" + port.Port()
}

func TestCouchStore_LimitsRoundTrip(t *testing.T) {
	url := startCouchDB(t)
	ctx := context.Background()

	s, err := NewCouchStore(ctx, Config{URL: url, Username: "admin", Password: "admin"}, slog.Default())
	require.NoError(t, err)

	limits := &domain.Limits{
		Name: "node0",
		Resources: map[domain.Resource]domain.ResourceLimits{
			domain.ResourceCPU: {Lower: 80, Upper: 120, Boundary: 20},
		},
	}
	require.NoError(t, s.UpdateLimits(ctx, limits))
	require.NotEmpty(t, limits.Rev)

	got, err := s.GetLimits(ctx, "node0")
	require.NoError(t, err)
	require.Equal(t, 80, got.Resources[domain.ResourceCPU].Lower)

	// Update again to exercise the optimistic-concurrency rebase path:
	// write with a stale Rev and confirm the facade rebases and retries
	// rather than failing.
	stale := &domain.Limits{Name: "node0", Rev: "1-bogus", Resources: limits.Resources}
	require.NoError(t, s.UpdateLimits(ctx, stale))
}

func TestCouchStore_EventLifecycle(t *testing.T) {
	url := startCouchDB(t)
	ctx := context.Background()

	s, err := NewCouchStore(ctx, Config{URL: url, Username: "admin", Password: "admin"}, slog.Default())
	require.NoError(t, err)

	events := []domain.Event{
		{Name: "up", Resource: domain.ResourceCPU, Structure: "node0", Type: "event", Timestamp: time.Now().Unix()},
		{Name: "up", Resource: domain.ResourceCPU, Structure: "node0", Type: "event", Timestamp: time.Now().Unix()},
	}
	require.NoError(t, s.AddEvents(ctx, events))

	got, err := s.GetEvents(ctx, "node0")
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.NoError(t, s.DeleteNumEventsByStructure(ctx, "node0", "up", 1))
	got, err = s.GetEvents(ctx, "node0")
	require.NoError(t, err)
	require.Len(t, got, 1)
}
