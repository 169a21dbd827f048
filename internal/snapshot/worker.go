package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/sync-state-bridge/internal/crdt"
	"github.com/example/sync-state-bridge/internal/storage"
	"github.com/example/sync-state-bridge/internal/types"
)

const (
	defaultInterval        = 15 * time.Second
	defaultUpdateThreshold = int64(500)
)

var tracer = otel.Tracer("github.com/example/sync-state-bridge/snapshot")

// Payload is the content of a snapshot object: the full document state as
// an encoded snapshot update, with the log position it covers.
type Payload struct {
	Document    types.DocumentID  `msgpack:"document_id"`
	LastLSN     int64             `msgpack:"last_lsn"`
	StateVector types.VectorClock `msgpack:"state_vector"`
	Update      []byte            `msgpack:"update"`
	CreatedAt   time.Time         `msgpack:"created_at"`
}

// Index is the part of the update log the worker needs.
type Index interface {
	LatestSnapshot(ctx context.Context, docID types.DocumentID) (storage.SnapshotRef, error)
	CountAfterLSN(ctx context.Context, docID types.DocumentID, lsn int64) (int64, error)
	RecordSnapshot(ctx context.Context, ref storage.SnapshotRef) error
}

// Uploader writes objects; *minio.Client implements it.
type Uploader interface {
	PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Worker periodically uploads full-state snapshots of the documents loaded in
// an engine once enough updates accumulated in the log since the previous
// snapshot.
type Worker struct {
	index  Index
	engine *crdt.Engine
	object Uploader
	bucket string

	interval        time.Duration
	updateThreshold int64

	logger zerolog.Logger
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithInterval sets how often documents are inspected.
func WithInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithUpdateThreshold sets how many logged updates trigger a new snapshot.
func WithUpdateThreshold(n int64) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.updateThreshold = n
		}
	}
}

// NewWorker constructs a snapshot worker.
func NewWorker(index Index, engine *crdt.Engine, object Uploader, bucket string, logger zerolog.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		index:           index,
		engine:          engine,
		object:          object,
		bucket:          bucket,
		interval:        defaultInterval,
		updateThreshold: defaultUpdateThreshold,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins the periodic snapshot loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce inspects every loaded document once.
func (w *Worker) RunOnce(ctx context.Context) {
	for _, docID := range w.engine.Documents() {
		if _, err := w.processDocument(ctx, docID); err != nil {
			w.logger.Error().Err(err).Str("document", string(docID)).Msg("snapshot emission failed")
		}
	}
}

func (w *Worker) processDocument(ctx context.Context, docID types.DocumentID) (bool, error) {
	if w.object == nil {
		return false, fmt.Errorf("object storage client not configured")
	}

	latest, err := w.index.LatestSnapshot(ctx, docID)
	if err != nil {
		return false, fmt.Errorf("lookup latest snapshot: %w", err)
	}

	lastLSN := w.engine.LastLSN(docID)
	if lastLSN <= latest.LastLSN {
		return false, nil
	}
	count, err := w.index.CountAfterLSN(ctx, docID, latest.LastLSN)
	if err != nil {
		return false, fmt.Errorf("count updates: %w", err)
	}
	if count < w.updateThreshold {
		return false, nil
	}

	doc, ok := w.engine.Lookup(docID)
	if !ok {
		return false, nil
	}

	ctx, span := tracer.Start(ctx, "snapshot.upload")
	span.SetAttributes(attribute.String("document_id", string(docID)), attribute.Int64("last_lsn", lastLSN))
	defer span.End()

	state := doc.EncodeState()
	update, err := crdt.EncodeUpdate(state)
	if err != nil {
		return false, fmt.Errorf("encode document state: %w", err)
	}
	data, err := EncodePayload(Payload{
		Document:    docID,
		LastLSN:     lastLSN,
		StateVector: state.State,
		Update:      update,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return false, err
	}

	objectPath := fmt.Sprintf("snapshots/%s/%020d.msgpack", docID, lastLSN)
	if _, err := w.object.PutObject(ctx, w.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/msgpack"}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("upload snapshot: %w", err)
	}

	ref := storage.SnapshotRef{
		Document:    docID,
		ObjectPath:  objectPath,
		LastLSN:     lastLSN,
		StateVector: state.State,
		CreatedAt:   time.Now().UTC(),
	}
	if err := w.index.RecordSnapshot(ctx, ref); err != nil {
		return false, fmt.Errorf("persist snapshot ref: %w", err)
	}

	w.logger.Info().Str("document", string(docID)).Int64("lsn", lastLSN).Str("object", objectPath).Msg("snapshot created")
	return true, nil
}

// EncodePayload serializes a snapshot payload.
func EncodePayload(p Payload) ([]byte, error) {
	data, err := msgpack.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot payload: %w", err)
	}
	return data, nil
}

// DecodePayload unmarshals a snapshot payload from its binary representation.
func DecodePayload(data []byte) (Payload, error) {
	var payload Payload
	if err := msgpack.Unmarshal(data, &payload); err != nil {
		return Payload{}, fmt.Errorf("decode snapshot payload: %w", err)
	}
	return payload, nil
}
