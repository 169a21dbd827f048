package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/sync-state-bridge/internal/types"
)

// ErrDuplicateRecord is returned by Append for an update that is already in
// the log.
var ErrDuplicateRecord = errors.New("update already recorded")

// Schema creates the tables used by UpdateLog.
const Schema = `
CREATE TABLE IF NOT EXISTS document_updates (
	lsn         BIGSERIAL PRIMARY KEY,
	document_id TEXT        NOT NULL,
	client_id   TEXT        NOT NULL,
	sequence    BIGINT      NOT NULL,
	payload     BYTEA       NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS document_updates_origin
	ON document_updates (document_id, client_id, sequence) WHERE sequence > 0;
CREATE INDEX IF NOT EXISTS document_updates_created
	ON document_updates (document_id, created_at);

CREATE TABLE IF NOT EXISTS document_checkpoints (
	document_id     TEXT PRIMARY KEY,
	last_lsn        BIGINT      NOT NULL,
	checkpointed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS document_snapshots (
	document_id  TEXT        NOT NULL,
	last_lsn     BIGINT      NOT NULL,
	object_path  TEXT        NOT NULL,
	state_vector JSONB       NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (document_id, last_lsn)
);
`

// SnapshotRef points at a full-state snapshot in object storage covering the
// log up to LastLSN.
type SnapshotRef struct {
	Document    types.DocumentID  `json:"document_id"`
	ObjectPath  string            `json:"object_path"`
	LastLSN     int64             `json:"last_lsn"`
	StateVector types.VectorClock `json:"state_vector"`
	CreatedAt   time.Time         `json:"created_at"`
}

// UpdateLog is the durable, append-only log of encoded document updates,
// together with per-document checkpoints and snapshot references.
type UpdateLog struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
	tracer     trace.Tracer
}

// Option configures the update log.
type Option func(*UpdateLog)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) Option {
	return func(l *UpdateLog) {
		l.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) Option {
	return func(l *UpdateLog) {
		l.retryDelay = d
	}
}

// NewUpdateLog constructs an update log using the provided Postgres pool.
func NewUpdateLog(pool *pgxpool.Pool, opts ...Option) *UpdateLog {
	l := &UpdateLog{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
		tracer:     logTracer,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// EnsureSchema creates the log tables if they do not exist.
func (l *UpdateLog) EnsureSchema(ctx context.Context) error {
	return l.retry(ctx, func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx, Schema)
		return err
	})
}

// Append durably stores an update record and returns its log position.
// Records are keyed by document, client and sequence; appending one twice
// returns ErrDuplicateRecord.
func (l *UpdateLog) Append(ctx context.Context, record types.UpdateRecord) (int64, error) {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	ctx, span := l.tracer.Start(ctx, "update_log.append", trace.WithAttributes(
		attribute.String("document_id", string(record.Document)),
		attribute.String("client_id", string(record.Client)),
		attribute.Int64("sequence", int64(record.Sequence)),
	))
	defer span.End()
	start := time.Now()

	var lsn int64
	err := l.retry(ctx, func(ctx context.Context) error {
		tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		row := tx.QueryRow(ctx, `
INSERT INTO document_updates (document_id, client_id, sequence, payload, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (document_id, client_id, sequence) WHERE sequence > 0 DO NOTHING
RETURNING lsn`,
			string(record.Document), string(record.Client), int64(record.Sequence), record.Payload, record.CreatedAt,
		)
		if err := row.Scan(&lsn); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrDuplicateRecord
			}
			return err
		}

		return tx.Commit(ctx)
	})
	appendLatency.WithLabelValues(string(record.Document)).Observe(time.Since(start).Seconds())

	if err != nil {
		if !errors.Is(err, ErrDuplicateRecord) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return 0, err
	}
	span.SetAttributes(attribute.Int64("lsn", lsn))
	return lsn, nil
}

// ActiveDocuments returns the set of documents that have log entries.
func (l *UpdateLog) ActiveDocuments(ctx context.Context) ([]types.DocumentID, error) {
	rows, err := l.pool.Query(ctx, `SELECT DISTINCT document_id FROM document_updates ORDER BY document_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []types.DocumentID
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, types.DocumentID(doc))
	}
	return docs, rows.Err()
}

// Replay scans the records of a document after fromLSN in log order, invoking
// handler for each. An error from handler stops the scan and is returned.
func (l *UpdateLog) Replay(ctx context.Context, docID types.DocumentID, fromLSN int64, handler func(types.UpdateRecord) error) error {
	start := time.Now()
	defer func() {
		replayLatency.WithLabelValues(string(docID)).Observe(time.Since(start).Seconds())
	}()

	rows, err := l.pool.Query(ctx, `
		SELECT lsn, document_id, client_id, sequence, payload, created_at
		FROM document_updates
		WHERE document_id = $1 AND lsn > $2
		ORDER BY lsn`, string(docID), fromLSN)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			record   types.UpdateRecord
			document string
			client   string
			sequence int64
		)
		if err := rows.Scan(&record.LSN, &document, &client, &sequence, &record.Payload, &record.CreatedAt); err != nil {
			return err
		}
		record.Document = types.DocumentID(document)
		record.Client = types.ClientID(client)
		record.Sequence = uint64(sequence)

		if err := handler(record); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LSNForUpdate returns the log position and time of the update seq from
// client.
func (l *UpdateLog) LSNForUpdate(ctx context.Context, docID types.DocumentID, client types.ClientID, seq uint64) (int64, time.Time, error) {
	var (
		lsn       int64
		createdAt time.Time
	)
	err := l.pool.QueryRow(ctx, `
		SELECT lsn, created_at FROM document_updates
		WHERE document_id = $1 AND client_id = $2 AND sequence = $3`,
		string(docID), string(client), int64(seq)).Scan(&lsn, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, time.Time{}, fmt.Errorf("update %s/%d not found", client, seq)
	}
	return lsn, createdAt, err
}

// LSNForTime returns the highest log position recorded at or before ts, or
// zero when the document has no earlier records.
func (l *UpdateLog) LSNForTime(ctx context.Context, docID types.DocumentID, ts time.Time) (int64, error) {
	var lsn *int64
	err := l.pool.QueryRow(ctx, `
		SELECT max(lsn) FROM document_updates
		WHERE document_id = $1 AND created_at <= $2`, string(docID), ts).Scan(&lsn)
	if err != nil || lsn == nil {
		return 0, err
	}
	return *lsn, nil
}

// CountAfterLSN returns how many records of a document follow lsn.
func (l *UpdateLog) CountAfterLSN(ctx context.Context, docID types.DocumentID, lsn int64) (int64, error) {
	var n int64
	err := l.pool.QueryRow(ctx, `
		SELECT count(*) FROM document_updates WHERE document_id = $1 AND lsn > $2`,
		string(docID), lsn).Scan(&n)
	if err == nil {
		backlog.WithLabelValues(string(docID)).Set(float64(n))
	}
	return n, err
}

// LastCheckpoint returns the most recent persisted LSN for a document.
func (l *UpdateLog) LastCheckpoint(ctx context.Context, docID types.DocumentID) (int64, error) {
	var lsn int64
	err := l.pool.QueryRow(ctx, `
		SELECT last_lsn FROM document_checkpoints WHERE document_id = $1
	`, string(docID)).Scan(&lsn)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return lsn, err
}

// RecordCheckpoint upserts the current LSN for a document.
func (l *UpdateLog) RecordCheckpoint(ctx context.Context, docID types.DocumentID, lsn int64) error {
	return l.retry(ctx, func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx, `
			INSERT INTO document_checkpoints (document_id, last_lsn)
			VALUES ($1, $2)
			ON CONFLICT (document_id)
			DO UPDATE SET last_lsn = EXCLUDED.last_lsn, checkpointed_at = now()
		`, string(docID), lsn)
		return err
	})
}

// RecordSnapshot stores a snapshot reference.
func (l *UpdateLog) RecordSnapshot(ctx context.Context, ref SnapshotRef) error {
	vector, err := json.Marshal(ref.StateVector)
	if err != nil {
		return fmt.Errorf("marshal state vector: %w", err)
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	return l.retry(ctx, func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx, `
			INSERT INTO document_snapshots (document_id, last_lsn, object_path, state_vector, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (document_id, last_lsn)
			DO UPDATE SET object_path = EXCLUDED.object_path, state_vector = EXCLUDED.state_vector
		`, string(ref.Document), ref.LastLSN, ref.ObjectPath, vector, ref.CreatedAt)
		return err
	})
}

// LatestSnapshot returns the newest snapshot of a document. The zero
// SnapshotRef is returned when there is none.
func (l *UpdateLog) LatestSnapshot(ctx context.Context, docID types.DocumentID) (SnapshotRef, error) {
	return l.snapshotWhere(ctx, docID, -1)
}

// SnapshotBeforeLSN returns the newest snapshot covering at most lsn.
func (l *UpdateLog) SnapshotBeforeLSN(ctx context.Context, docID types.DocumentID, lsn int64) (SnapshotRef, error) {
	return l.snapshotWhere(ctx, docID, lsn)
}

func (l *UpdateLog) snapshotWhere(ctx context.Context, docID types.DocumentID, maxLSN int64) (SnapshotRef, error) {
	var (
		ref    SnapshotRef
		vector []byte
	)
	err := l.pool.QueryRow(ctx, `
		SELECT last_lsn, object_path, state_vector, created_at
		FROM document_snapshots
		WHERE document_id = $1 AND ($2 < 0 OR last_lsn <= $2)
		ORDER BY last_lsn DESC
		LIMIT 1`, string(docID), maxLSN).Scan(&ref.LastLSN, &ref.ObjectPath, &vector, &ref.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SnapshotRef{Document: docID}, nil
	}
	if err != nil {
		return SnapshotRef{}, err
	}
	ref.Document = docID
	if err := json.Unmarshal(vector, &ref.StateVector); err != nil {
		return SnapshotRef{}, fmt.Errorf("decode state vector: %w", err)
	}
	return ref, nil
}

func (l *UpdateLog) retry(ctx context.Context, fn func(context.Context) error) error {
	return retry(ctx, l.maxRetries, l.retryDelay, fn)
}

func retry(ctx context.Context, maxRetries int, delay time.Duration, fn func(context.Context) error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == maxRetries {
				return err
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
