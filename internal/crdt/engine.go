package crdt

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	syncstate "github.com/example/sync-state-bridge/internal/sync"
	"github.com/example/sync-state-bridge/internal/types"
)

// recordOrigin tags updates replayed from the durable log.
type recordOrigin struct{}

// FromLog is the origin of updates integrated by ApplyRecord.
var FromLog any = recordOrigin{}

// Engine holds the document replicas of one process and tracks the highest
// log position applied to each.
type Engine struct {
	mu      sync.RWMutex
	client  types.ClientID
	docs    map[types.DocumentID]*Doc
	lastLSN map[types.DocumentID]int64
	logger  zerolog.Logger
}

// NewEngine constructs an Engine whose replicas all use the given client ID.
func NewEngine(client types.ClientID, logger zerolog.Logger) *Engine {
	return &Engine{
		client:  client,
		docs:    make(map[types.DocumentID]*Doc),
		lastLSN: make(map[types.DocumentID]int64),
		logger:  logger,
	}
}

// ClientID returns the replica identity shared by the engine's documents.
func (e *Engine) ClientID() types.ClientID { return e.client }

// Doc returns the replica of a document, creating it if necessary.
func (e *Engine) Doc(docID types.DocumentID) *Doc {
	e.mu.Lock()
	defer e.mu.Unlock()

	doc, ok := e.docs[docID]
	if ok {
		return doc
	}

	doc = NewDoc(
		WithClientID(e.client),
		WithDocumentID(docID),
		WithLogger(e.logger.With().Str("document", string(docID)).Logger()),
	)
	e.docs[docID] = doc
	documentCount.Set(float64(len(e.docs)))
	return doc
}

// Lookup returns the replica of a document if it is loaded.
func (e *Engine) Lookup(docID types.DocumentID) (*Doc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	doc, ok := e.docs[docID]
	return doc, ok
}

// ApplyRecord decodes a durable update record and integrates it into its
// document. Records buffered for missing predecessors still advance the
// applied position.
func (e *Engine) ApplyRecord(record types.UpdateRecord) error {
	doc := e.Doc(record.Document)
	e.SetLastLSN(record.Document, record.LSN)

	if len(record.Payload) == 0 {
		return nil
	}

	u, err := DecodeUpdate(record.Payload)
	if err != nil {
		e.logger.Error().Err(err).Str("document", string(record.Document)).Int64("lsn", record.LSN).Msg("failed to decode update record")
		return err
	}
	if err := doc.ApplyUpdate(u, FromLog); err != nil && !errors.Is(err, syncstate.ErrCausalityGap) {
		return fmt.Errorf("apply record %d: %w", record.LSN, err)
	}
	return nil
}

// SetLastLSN records that the log was applied up to lsn for a document.
func (e *Engine) SetLastLSN(docID types.DocumentID, lsn int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if lsn > e.lastLSN[docID] {
		e.lastLSN[docID] = lsn
	}
}

// LastLSN returns the highest applied log position for the document.
func (e *Engine) LastLSN(docID types.DocumentID) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastLSN[docID]
}

// Documents returns the documents currently loaded in memory, sorted.
func (e *Engine) Documents() []types.DocumentID {
	e.mu.RLock()
	defer e.mu.RUnlock()

	docs := make([]types.DocumentID, 0, len(e.docs))
	for docID := range e.docs {
		docs = append(docs, docID)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i] < docs[j] })
	return docs
}

// Close closes every loaded replica.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, doc := range e.docs {
		doc.Close()
	}
	e.docs = make(map[types.DocumentID]*Doc)
	documentCount.Set(0)
}
