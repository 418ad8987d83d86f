// Package objectstore_test tests the NATS object store implementation.
package objectstore_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/float-service/internal/objectstore"
)

// StartTestServer starts an in-memory NATS server for testing purposes.
func StartTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	return natsServer, natsConnection
}

func TestNatsObjectStore_UploadDownload(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := StartTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "test-bucket")
	require.NoError(t, err)

	ctx := context.Background()
	key := "2024-01-01T00-00-00-face-voice-nfe10-seed25-acfg2.0-ecfg1.0-S2E.mp4"

	// Larger than a single object chunk.
	uploadData := bytes.Repeat([]byte("frame"), 100_000)

	require.NoError(t, store.Upload(ctx, key, bytes.NewReader(uploadData)))

	var downloaded bytes.Buffer

	require.NoError(t, store.Download(ctx, key, &downloaded))
	require.Equal(t, uploadData, downloaded.Bytes())
}

func TestNatsObjectStore_BindsExistingBucket(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := StartTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	first, err := objectstore.New(jetstreamContext, "shared")
	require.NoError(t, err)
	require.NoError(t, first.Upload(context.Background(), "clip.wav", strings.NewReader("pcm")))

	second, err := objectstore.New(jetstreamContext, "shared")
	require.NoError(t, err)

	var downloaded bytes.Buffer

	require.NoError(t, second.Download(context.Background(), "clip.wav", &downloaded))
	require.Equal(t, "pcm", downloaded.String())
}

func TestNatsObjectStore_Errors(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := StartTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "errors")
	require.NoError(t, err)

	var sink bytes.Buffer

	require.ErrorIs(t, store.Download(context.Background(), "", &sink), objectstore.ErrKeyEmpty)
	require.ErrorIs(t, store.Upload(context.Background(), "", strings.NewReader("x")), objectstore.ErrKeyEmpty)
	require.Error(t, store.Download(context.Background(), "missing.mp4", &sink))
}
