package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/dgellow/area/internal/storage"
	"github.com/dgellow/area/internal/storage/storagetest"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startFirestoreEmulator runs the Firestore emulator and returns its host:port
func startFirestoreEmulator(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "gcr.io/google.com/cloudsdktool/google-cloud-cli:emulators",
			ExposedPorts: []string{"8080/tcp"},
			Cmd: []string{
				"/bin/sh", "-c",
				"gcloud beta emulators firestore start --host-port 0.0.0.0:8080 --project area-test",
			},
			WaitingFor: wait.ForLog("running").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "8080")
	require.NoError(t, err)

	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestFirestoreStorage(t *testing.T) {
	if os.Getenv("AREA_INTEGRATION") != "1" {
		t.Skip("set AREA_INTEGRATION=1 to run firestore integration tests")
	}

	t.Setenv("FIRESTORE_EMULATOR_HOST", startFirestoreEmulator(t))
	collections := 0
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		// every subtest gets its own collection prefix
		collections++
		s, err := storage.NewFirestoreStorage(context.Background(), "area-test", "", fmt.Sprintf("area%d", collections),
			newTestEncryptor(t), []byte("test-key-32-bytes-long-for-hmac!"))
		require.NoError(t, err)
		return s
	})
}
