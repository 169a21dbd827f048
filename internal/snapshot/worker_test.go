package snapshot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/sync-state-bridge/internal/crdt"
	"github.com/example/sync-state-bridge/internal/storage"
	"github.com/example/sync-state-bridge/internal/types"
)

type fakeIndex struct {
	latest   storage.SnapshotRef
	count    int64
	recorded []storage.SnapshotRef
}

func (f *fakeIndex) LatestSnapshot(_ context.Context, docID types.DocumentID) (storage.SnapshotRef, error) {
	if len(f.recorded) > 0 {
		return f.recorded[len(f.recorded)-1], nil
	}
	ref := f.latest
	ref.Document = docID
	return ref, nil
}

func (f *fakeIndex) CountAfterLSN(context.Context, types.DocumentID, int64) (int64, error) {
	return f.count, nil
}

func (f *fakeIndex) RecordSnapshot(_ context.Context, ref storage.SnapshotRef) error {
	f.recorded = append(f.recorded, ref)
	return nil
}

type fakeUploader struct {
	objects map[string][]byte
	err     error
}

func (f *fakeUploader) PutObject(_ context.Context, _, objectName string, reader io.Reader, _ int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[objectName] = data
	return minio.UploadInfo{Key: objectName, Size: int64(len(data))}, nil
}

func seededEngine(t *testing.T, docID types.DocumentID, lsn int64) *crdt.Engine {
	t.Helper()
	engine := crdt.NewEngine("server", zerolog.Nop())
	doc := engine.Doc(docID)
	root := doc.GetMap("state")
	require.NoError(t, doc.Transact(func(tx *crdt.Txn) error {
		count, err := crdt.NewScalar(3)
		if err != nil {
			return err
		}
		if err := root.Set(tx, "count", count); err != nil {
			return err
		}
		name, err := crdt.NewScalar("demo")
		if err != nil {
			return err
		}
		return root.Set(tx, "name", name)
	}))
	engine.SetLastLSN(docID, lsn)
	return engine
}

func TestWorkerUploadsSnapshotAfterThreshold(t *testing.T) {
	engine := seededEngine(t, "doc-1", 42)
	index := &fakeIndex{count: 5}
	uploader := &fakeUploader{}
	worker := NewWorker(index, engine, uploader, "snapshots", zerolog.Nop(), WithUpdateThreshold(5))

	created, err := worker.processDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	require.True(t, created)
	require.Len(t, index.recorded, 1)

	ref := index.recorded[0]
	assert.Equal(t, int64(42), ref.LastLSN)
	assert.Equal(t, uint64(1), ref.StateVector["server"])
	require.Contains(t, uploader.objects, ref.ObjectPath)

	payload, err := DecodePayload(uploader.objects[ref.ObjectPath])
	require.NoError(t, err)
	assert.Equal(t, types.DocumentID("doc-1"), payload.Document)
	assert.Equal(t, int64(42), payload.LastLSN)
}

func TestWorkerSkipsBelowThreshold(t *testing.T) {
	engine := seededEngine(t, "doc-1", 42)
	index := &fakeIndex{count: 2}
	uploader := &fakeUploader{}
	worker := NewWorker(index, engine, uploader, "snapshots", zerolog.Nop(), WithUpdateThreshold(5))

	created, err := worker.processDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, uploader.objects)
}

func TestWorkerSkipsWhenSnapshotIsCurrent(t *testing.T) {
	engine := seededEngine(t, "doc-1", 42)
	index := &fakeIndex{latest: storage.SnapshotRef{LastLSN: 42}, count: 100}
	worker := NewWorker(index, engine, &fakeUploader{}, "snapshots", zerolog.Nop())

	created, err := worker.processDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestWorkerReportsUploadFailure(t *testing.T) {
	engine := seededEngine(t, "doc-1", 42)
	index := &fakeIndex{count: 10}
	worker := NewWorker(index, engine, &fakeUploader{err: errors.New("bucket missing")}, "snapshots", zerolog.Nop(), WithUpdateThreshold(1))

	_, err := worker.processDocument(context.Background(), "doc-1")
	require.Error(t, err)
	assert.Empty(t, index.recorded)
}

func TestRestoreAppliesLatestSnapshot(t *testing.T) {
	source := seededEngine(t, "doc-1", 42)
	index := &fakeIndex{count: 10}
	uploader := &fakeUploader{}
	worker := NewWorker(index, source, uploader, "snapshots", zerolog.Nop(), WithUpdateThreshold(1))
	worker.RunOnce(context.Background())
	require.Len(t, index.recorded, 1)

	target := crdt.NewEngine("server", zerolog.Nop())
	lsn, err := Restore(context.Background(), index, MemoryLoader{Objects: uploader.objects}, "snapshots", target, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), lsn)
	assert.Equal(t, int64(42), target.LastLSN("doc-1"))

	doc, ok := target.Lookup("doc-1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"count": int64(3), "name": "demo"}, doc.GetMap("state").ToJSON())
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	target := crdt.NewEngine("server", zerolog.Nop())
	lsn, err := Restore(context.Background(), &fakeIndex{}, MemoryLoader{}, "snapshots", target, "doc-1")
	require.NoError(t, err)
	assert.Zero(t, lsn)
	_, ok := target.Lookup("doc-1")
	assert.False(t, ok)
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	_, err := DecodePayload(bytes.Repeat([]byte{0xc1}, 4))
	require.Error(t, err)
}
