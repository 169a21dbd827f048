package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/sync-state-bridge/internal/crdt"
	"github.com/example/sync-state-bridge/internal/types"
)

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(&pgconn.PgError{Code: "40001"}))
	assert.True(t, isTransient(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, isTransient(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isTransient(context.Canceled))
	assert.False(t, isTransient(ErrDuplicateRecord))
}

func TestRetryBacksOffOnTransientErrors(t *testing.T) {
	calls := 0
	err := retry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = retry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		return errors.New("permanent")
	})
	require.EqualError(t, err, "permanent")
	assert.Equal(t, 1, calls)
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retry(ctx, 5, time.Hour, func(context.Context) error {
		return &pgconn.PgError{Code: "40P01"}
	})
	require.ErrorIs(t, err, context.Canceled)
}

type fakeAppender struct {
	mu      sync.Mutex
	records []types.UpdateRecord
	seen    map[string]bool
}

func (f *fakeAppender) Append(_ context.Context, record types.UpdateRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	key := fmt.Sprintf("%s:%d", record.Client, record.Sequence)
	if record.Sequence > 0 && f.seen[key] {
		return 0, ErrDuplicateRecord
	}
	f.seen[key] = true
	f.records = append(f.records, record)
	return int64(len(f.records)), nil
}

func (f *fakeAppender) snapshot() []types.UpdateRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.UpdateRecord(nil), f.records...)
}

func TestPersisterStreamsUpdates(t *testing.T) {
	log := &fakeAppender{}
	var (
		mu      sync.Mutex
		lastLSN int64
	)
	p := NewPersister(log, zerolog.New(io.Discard), WithAppendHook(func(_ types.DocumentID, lsn int64) {
		mu.Lock()
		lastLSN = lsn
		mu.Unlock()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	doc := crdt.NewDoc(crdt.WithClientID("writer"), crdt.WithDocumentID("doc-1"))
	stop := p.Watch(doc)
	defer stop()

	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, doc.Transact(func(tx *crdt.Txn) error {
			s, err := crdt.NewScalar(i)
			if err != nil {
				return err
			}
			return doc.GetMap("state").Set(tx, "count", s)
		}))
	}

	require.Eventually(t, func() bool { return len(log.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	records := log.snapshot()
	for i, r := range records {
		assert.Equal(t, types.DocumentID("doc-1"), r.Document)
		assert.Equal(t, types.ClientID("writer"), r.Client)
		assert.Equal(t, uint64(i+1), r.Sequence)

		u, err := crdt.DecodeUpdate(r.Payload)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), u.Seq)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return lastLSN == 3
	}, time.Second, 5*time.Millisecond)
}

func TestPersisterSkipsReplayedUpdates(t *testing.T) {
	author := crdt.NewDoc(crdt.WithClientID("author"))
	var sent []crdt.Update
	author.OnUpdate(func(evt crdt.UpdateEvent) { sent = append(sent, evt.Update) })
	require.NoError(t, author.Transact(func(tx *crdt.Txn) error {
		s, _ := crdt.NewScalar("x")
		return author.GetMap("state").Set(tx, "k", s)
	}))

	log := &fakeAppender{}
	p := NewPersister(log, zerolog.New(io.Discard), WithQueueSize(4))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	replica := crdt.NewDoc(crdt.WithClientID("replica"))
	p.Watch(replica)
	require.NoError(t, replica.ApplyUpdate(sent[0], crdt.FromLog))
	require.NoError(t, replica.Transact(func(tx *crdt.Txn) error {
		s, _ := crdt.NewScalar("y")
		return replica.GetMap("state").Set(tx, "k", s)
	}))

	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.ClientID("replica"), log.snapshot()[0].Client)
}
