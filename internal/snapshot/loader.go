package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"

	"github.com/example/sync-state-bridge/internal/crdt"
	"github.com/example/sync-state-bridge/internal/storage"
	"github.com/example/sync-state-bridge/internal/types"
)

// Loader fetches binary snapshot payloads from object storage.
type Loader interface {
	Load(ctx context.Context, bucket, objectPath string) ([]byte, error)
}

// ObjectLoader fetches raw bytes from object storage.
type ObjectLoader struct {
	object *minio.Client
}

// NewObjectLoader creates a loader backed by MinIO/S3.
func NewObjectLoader(object *minio.Client) *ObjectLoader {
	return &ObjectLoader{object: object}
}

// Load implements Loader.
func (l *ObjectLoader) Load(ctx context.Context, bucket, objectPath string) ([]byte, error) {
	if l.object == nil {
		return nil, errors.New("object storage client is not configured")
	}

	obj, err := l.object.GetObject(ctx, bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	return io.ReadAll(obj)
}

// MemoryLoader serves snapshots held in memory.
type MemoryLoader struct {
	Objects map[string][]byte
}

// Load implements Loader.
func (m MemoryLoader) Load(_ context.Context, _, objectPath string) ([]byte, error) {
	data, ok := m.Objects[objectPath]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectPath)
	}
	return data, nil
}

// SnapshotFinder looks up snapshot references.
type SnapshotFinder interface {
	LatestSnapshot(ctx context.Context, docID types.DocumentID) (storage.SnapshotRef, error)
}

// Load fetches and decodes the snapshot ref points at.
func Load(ctx context.Context, loader Loader, bucket string, ref storage.SnapshotRef) (Payload, crdt.Update, error) {
	data, err := loader.Load(ctx, bucket, ref.ObjectPath)
	if err != nil {
		return Payload{}, crdt.Update{}, fmt.Errorf("load snapshot object: %w", err)
	}
	payload, err := DecodePayload(data)
	if err != nil {
		return Payload{}, crdt.Update{}, err
	}
	update, err := crdt.DecodeUpdate(payload.Update)
	if err != nil {
		return Payload{}, crdt.Update{}, err
	}
	return payload, update, nil
}

// Restore applies the latest snapshot of a document to its replica in engine
// and returns the log position the snapshot covers. Zero means there was no
// snapshot and the whole log must be replayed.
func Restore(ctx context.Context, finder SnapshotFinder, loader Loader, bucket string, engine *crdt.Engine, docID types.DocumentID) (int64, error) {
	ref, err := finder.LatestSnapshot(ctx, docID)
	if err != nil {
		return 0, fmt.Errorf("find snapshot: %w", err)
	}
	if ref.ObjectPath == "" {
		return 0, nil
	}

	payload, update, err := Load(ctx, loader, bucket, ref)
	if err != nil {
		return 0, err
	}
	if err := engine.Doc(docID).ApplyUpdate(update, crdt.FromLog); err != nil {
		return 0, fmt.Errorf("apply snapshot: %w", err)
	}
	engine.SetLastLSN(docID, payload.LastLSN)
	return payload.LastLSN, nil
}
