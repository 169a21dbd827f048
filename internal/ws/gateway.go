package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/sync-state-bridge/internal/crdt"
	syncstate "github.com/example/sync-state-bridge/internal/sync"
	"github.com/example/sync-state-bridge/internal/types"
)

// Authenticator verifies the inbound HTTP request before the connection is
// upgraded to WebSocket.
type Authenticator interface {
	Authenticate(r *http.Request) (ClientIdentity, error)
}

// AuthFunc is an adapter to allow the use of ordinary functions as authenticators.
type AuthFunc func(r *http.Request) (ClientIdentity, error)

// Authenticate implements Authenticator.
func (f AuthFunc) Authenticate(r *http.Request) (ClientIdentity, error) {
	return f(r)
}

// QueryAuthenticator trusts the client_id and document_id query parameters.
var QueryAuthenticator = AuthFunc(func(r *http.Request) (ClientIdentity, error) {
	q := r.URL.Query()
	return ClientIdentity{ClientID: q.Get("client_id"), DocumentID: q.Get("document_id")}, nil
})

// DocumentResolver returns the server replica of a document, loading it if
// necessary.
type DocumentResolver func(ctx context.Context, docID types.DocumentID) (*crdt.Doc, error)

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
	CheckOrigin        func(r *http.Request) bool
	Hooks              Hooks
}

// Gateway upgrades HTTP requests into WebSocket connections and keeps every
// connection of a document in sync with the server replica. On connect the
// full document state is sent; afterwards each binary message is one encoded
// update in either direction.
type Gateway struct {
	auth     Authenticator
	resolve  DocumentResolver
	registry *ConnectionRegistry
	logger   zerolog.Logger
	cfg      GatewayConfig
	upgrader websocket.Upgrader

	mu      sync.Mutex
	watched map[types.DocumentID]func()
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(auth Authenticator, resolve DocumentResolver, registry *ConnectionRegistry, logger zerolog.Logger, cfg GatewayConfig) (*Gateway, error) {
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if resolve == nil {
		return nil, errors.New("document resolver is required")
	}
	if registry == nil {
		return nil, errors.New("connection registry is required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Gateway{
		auth:     auth,
		resolve:  resolve,
		registry: registry,
		logger:   logger,
		cfg:      cfg,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: cfg.CheckOrigin},
		watched:  make(map[types.DocumentID]func()),
	}, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	identity, err := g.auth.Authenticate(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	if identity.DocumentID == "" {
		http.Error(w, "missing document_id", http.StatusBadRequest)
		return
	}
	if identity.ClientID == "" {
		http.Error(w, "missing client identity", http.StatusUnauthorized)
		return
	}
	documentID := types.DocumentID(identity.DocumentID)

	doc, err := g.resolve(r.Context(), documentID)
	if err != nil {
		g.logger.Error().Err(err).Str("document", identity.DocumentID).Msg("resolve document failed")
		http.Error(w, "document unavailable", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	childLogger := g.logger.With().Str("document", identity.DocumentID).Str("client", identity.ClientID).Logger()
	var connection *Connection
	connection = newConnection(wsConn, identity, documentID, childLogger, connectionOptions{
		heartbeatInterval:  g.cfg.HeartbeatInterval,
		heartbeatTolerance: g.cfg.HeartbeatTolerance,
		sendBufferSize:     g.cfg.SendBuffer,
		writeTimeout:       g.cfg.WriteTimeout,
	}, func() {
		g.registry.Unregister(documentID, connection)
		if g.cfg.Hooks.OnDisconnect != nil {
			g.cfg.Hooks.OnDisconnect(connection)
		}
		childLogger.Info().Msg("websocket connection closed")
	})

	// Register before encoding the state so no update committed in between
	// is missed; one that is covered by both arrives as a duplicate.
	g.registry.Register(documentID, connection)
	g.watch(documentID, doc)

	if err := g.sendState(connection, doc); err != nil {
		childLogger.Error().Err(err).Msg("initial state sync failed")
		connection.Close()
		return
	}
	if g.cfg.Hooks.OnConnect != nil {
		if err := g.cfg.Hooks.OnConnect(connection.Context(), connection); err != nil {
			childLogger.Error().Err(err).Msg("connect hook failed")
			connection.Close()
			return
		}
	}
	gatewayUpgradeLatency.WithLabelValues(identity.DocumentID).Observe(time.Since(start).Seconds())
	childLogger.Info().Msg("websocket connection established")

	go connection.Run(func(_ context.Context, c *Connection, payload []byte) error {
		return g.receive(doc, c, payload)
	})
}

// Close stops relaying document updates to connections.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for docID, unwatch := range g.watched {
		unwatch()
		delete(g.watched, docID)
	}
}

func (g *Gateway) sendState(c *Connection, doc *crdt.Doc) error {
	payload, err := crdt.EncodeUpdate(doc.EncodeState())
	if err != nil {
		return err
	}
	return c.SendBinary(payload)
}

func (g *Gateway) receive(doc *crdt.Doc, c *Connection, payload []byte) error {
	update, err := crdt.DecodeUpdate(payload)
	if err != nil {
		return fmt.Errorf("decode update: %w", err)
	}
	gatewayUpdates.WithLabelValues(string(c.document), "inbound").Inc()
	if err := doc.ApplyUpdate(update, c); err != nil {
		if errors.Is(err, syncstate.ErrCausalityGap) {
			c.logger.Debug().Err(err).Msg("buffered out-of-order update")
			return nil
		}
		return err
	}
	return nil
}

// watch relays every update committed to doc to the document's connections,
// except back to the connection that delivered it.
func (g *Gateway) watch(docID types.DocumentID, doc *crdt.Doc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.watched[docID]; ok {
		return
	}

	g.watched[docID] = doc.OnUpdate(func(evt crdt.UpdateEvent) {
		payload, err := crdt.EncodeUpdate(evt.Update)
		if err != nil {
			g.logger.Error().Err(err).Str("document", string(docID)).Msg("encode update for broadcast failed")
			return
		}
		skip, _ := evt.Origin.(*Connection)
		sent := g.registry.Broadcast(docID, payload, skip)
		gatewayUpdates.WithLabelValues(string(docID), "outbound").Add(float64(sent))
	})
}
