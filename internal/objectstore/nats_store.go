// Package objectstore provides a NATS-based implementation of the ObjectStore interface.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ErrKeyEmpty is returned for operations without an object key.
var ErrKeyEmpty = errors.New("object key cannot be empty")

// NatsObjectStore implements the core.ObjectStore interface using NATS JetStream.
// Objects are streamed in chunks, so videos never need to fit in memory.
type NatsObjectStore struct {
	bucket string
	store  nats.ObjectStore
}

// New binds to bucketName, creating the bucket on first use.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*NatsObjectStore, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Reference images, audio clips and generated videos for %s.", bucketName),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{
		bucket: bucketName,
		store:  store,
	}, nil
}

// Download streams the object stored under key into dst.
func (n *NatsObjectStore) Download(ctx context.Context, key string, dst io.Writer) error {
	if key == "" {
		return ErrKeyEmpty
	}

	obj, err := n.store.Get(key, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	_, copyErr := io.Copy(dst, obj)
	closeErr := obj.Close()

	if copyErr != nil {
		return fmt.Errorf("failed to read object '%s': %w", key, copyErr)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return nil
}

// Upload stores everything read from src under key, replacing any previous object.
func (n *NatsObjectStore) Upload(ctx context.Context, key string, src io.Reader) error {
	if key == "" {
		return ErrKeyEmpty
	}

	_, err := n.store.Put(&nats.ObjectMeta{Name: key}, src, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}
