// Package testutil provides helpers for integration tests that need real
// backing services.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
)

// DefaultMinioImage is the image started by StartMinio.
const DefaultMinioImage = "minio/minio:RELEASE.2024-01-16T16-07-38Z"

// Minio is a running MinIO server reachable from the test process.
type Minio struct {
	Endpoint  string
	AccessKey string
	SecretKey string
}

// StartMinio starts a MinIO container for the duration of t. The test is
// skipped when no container runtime is available.
func StartMinio(t *testing.T) *Minio {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	const user, password = "fleetd", "fleetd-secret"
	container, err := minio.Run(ctx, DefaultMinioImage,
		minio.WithUsername(user),
		minio.WithPassword(password),
	)
	testcontainers.CleanupContainer(t, container)
	if err != nil {
		t.Fatalf("start minio: %v", err)
	}

	endpoint, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("minio endpoint: %v", err)
	}

	return &Minio{Endpoint: endpoint, AccessKey: user, SecretKey: password}
}
