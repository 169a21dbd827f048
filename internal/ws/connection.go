package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/sync-state-bridge/internal/types"
)

const maxMessageSize = 8 << 20

var errSendBufferFull = errors.New("send buffer full")

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
}

// MessageHandler consumes one binary message received on a connection. An
// error closes the connection.
type MessageHandler func(ctx context.Context, conn *Connection, payload []byte) error

// Hooks observe the connection lifecycle.
type Hooks struct {
	// OnConnect runs after the initial state was sent. An error closes the
	// connection.
	OnConnect    func(ctx context.Context, conn *Connection) error
	OnDisconnect func(conn *Connection)
}

// ClientIdentity is the authenticated caller of a connection.
type ClientIdentity struct {
	ClientID   string
	DocumentID string
	Metadata   map[string]string
}

// Connection represents an upgraded WebSocket session bound to one document.
// Its pointer is the origin of every update it delivers to the document.
type Connection struct {
	conn      *websocket.Conn
	identity  ClientIdentity
	document  types.DocumentID
	logger    zerolog.Logger
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	opts    connectionOptions
	onClose func()
}

func newConnection(conn *websocket.Conn, id ClientIdentity, documentID types.DocumentID, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		conn:     conn,
		identity: id,
		document: documentID,
		logger:   logger,
		send:     make(chan []byte, opts.sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		onClose:  onClose,
	}
}

// DocumentID returns the bound document identifier.
func (c *Connection) DocumentID() types.DocumentID { return c.document }

// ClientID returns the authenticated client identifier.
func (c *Connection) ClientID() string { return c.identity.ClientID }

// Metadata exposes the caller-supplied client metadata, if any.
func (c *Connection) Metadata() map[string]string { return c.identity.Metadata }

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context { return c.ctx }

// SendBinary enqueues a binary payload for the writer goroutine. A connection
// whose buffer is full is closed.
func (c *Connection) SendBinary(payload []byte) error {
	select {
	case c.send <- payload:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.logger.Warn().Msg("send buffer full; closing connection")
		c.closeWithFrame(websocket.CloseTryAgainLater, "backpressure")
		c.Close()
		return errSendBufferFull
	}
}

// Run starts the read and write pumps and blocks until the connection is
// closed.
func (c *Connection) Run(handler MessageHandler) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	if err := c.readLoop(handler); err != nil {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()
}

// Close tears the connection down. It is safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readDeadline() time.Time {
	if c.opts.heartbeatInterval <= 0 {
		return time.Time{}
	}
	tolerance := c.opts.heartbeatTolerance
	if tolerance < 1 {
		tolerance = 1
	}
	return time.Now().Add(c.opts.heartbeatInterval * time.Duration(tolerance+1))
}

func (c *Connection) readLoop(handler MessageHandler) error {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(c.readDeadline())
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(c.readDeadline())
	})

	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		switch kind {
		case websocket.BinaryMessage:
			if handler == nil {
				continue
			}
			if err := handler(c.ctx, c, payload); err != nil {
				c.closeWithFrame(websocket.ClosePolicyViolation, err.Error())
				return err
			}
		default:
			c.closeWithFrame(websocket.CloseUnsupportedData, "text frames not supported")
			return errors.New("text frames unsupported")
		}
	}
}

func (c *Connection) writeLoop() {
	var ping <-chan time.Time
	if c.opts.heartbeatInterval > 0 {
		ticker := time.NewTicker(c.opts.heartbeatInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close()
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.Close()
				return
			}
		}
	}
}

func (c *Connection) closeWithFrame(code int, reason string) {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.opts.writeTimeout))
}
