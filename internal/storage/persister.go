package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/sync-state-bridge/internal/crdt"
	"github.com/example/sync-state-bridge/internal/types"
)

// Appender is the write side of the update log.
type Appender interface {
	Append(ctx context.Context, record types.UpdateRecord) (int64, error)
}

// AppendHook is told the log position of every appended update.
type AppendHook func(docID types.DocumentID, lsn int64)

type pendingUpdate struct {
	doc    types.DocumentID
	update crdt.Update
}

// Persister streams the updates integrated by watched documents into the
// update log. Updates replayed from the log itself are not written back.
type Persister struct {
	log    Appender
	hook   AppendHook
	logger zerolog.Logger

	queue    chan pendingUpdate
	done     chan struct{}
	stopOnce sync.Once
}

// PersisterOption configures a Persister.
type PersisterOption func(*Persister)

// WithAppendHook registers fn for every successful append.
func WithAppendHook(fn AppendHook) PersisterOption {
	return func(p *Persister) { p.hook = fn }
}

// WithQueueSize bounds the number of updates waiting to be written. Watched
// documents block when the queue is full.
func WithQueueSize(n int) PersisterOption {
	return func(p *Persister) {
		if n > 0 {
			p.queue = make(chan pendingUpdate, n)
		}
	}
}

// NewPersister constructs a persister writing to log.
func NewPersister(log Appender, logger zerolog.Logger, opts ...PersisterOption) *Persister {
	p := &Persister{
		log:    log,
		logger: logger,
		queue:  make(chan pendingUpdate, 1024),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Watch queues every update doc integrates from now on. It returns a
// function that stops watching.
func (p *Persister) Watch(doc *crdt.Doc) func() {
	docID := doc.DocumentID()
	return doc.OnUpdate(func(evt crdt.UpdateEvent) {
		if evt.Origin == crdt.FromLog {
			return
		}
		select {
		case p.queue <- pendingUpdate{doc: docID, update: evt.Update}:
		case <-p.done:
		}
	})
}

// Run writes queued updates until ctx is cancelled.
func (p *Persister) Run(ctx context.Context) {
	defer p.stopOnce.Do(func() { close(p.done) })

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.queue:
			p.persist(ctx, item)
		}
	}
}

func (p *Persister) persist(ctx context.Context, item pendingUpdate) {
	payload, err := crdt.EncodeUpdate(item.update)
	if err != nil {
		persistedTotal.WithLabelValues("failed").Inc()
		p.logger.Error().Err(err).Str("document", string(item.doc)).Msg("failed to encode update")
		return
	}

	lsn, err := p.log.Append(ctx, types.UpdateRecord{
		Document: item.doc,
		Client:   item.update.Client,
		Sequence: item.update.Seq,
		Payload:  payload,
	})
	switch {
	case errors.Is(err, ErrDuplicateRecord):
		persistedTotal.WithLabelValues("duplicate").Inc()
		return
	case err != nil:
		persistedTotal.WithLabelValues("failed").Inc()
		p.logger.Error().Err(err).
			Str("document", string(item.doc)).
			Str("client", string(item.update.Client)).
			Uint64("sequence", item.update.Seq).
			Msg("failed to persist update")
		return
	}

	persistedTotal.WithLabelValues("appended").Inc()
	if p.hook != nil {
		p.hook(item.doc, lsn)
	}
}
