package ws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/sync-state-bridge/internal/crdt"
	syncstate "github.com/example/sync-state-bridge/internal/sync"
	"github.com/example/sync-state-bridge/internal/types"
)

// Client keeps a local replica in sync with a gateway document. It sends the
// replica's full state on connect, forwards every locally committed update and
// applies what the gateway relays.
type Client struct {
	conn   *websocket.Conn
	doc    *crdt.Doc
	logger zerolog.Logger

	writeMu      sync.Mutex
	writeTimeout time.Duration
	unwatch      func()

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects doc to the gateway at addr for documentID.
func Dial(ctx context.Context, addr string, documentID types.DocumentID, doc *crdt.Doc, logger zerolog.Logger) (*Client, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse gateway address: %w", err)
	}
	q := u.Query()
	q.Set("document_id", string(documentID))
	q.Set("client_id", string(doc.ClientID()))
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	c := &Client{
		conn:         conn,
		doc:          doc,
		logger:       logger.With().Str("document", string(documentID)).Logger(),
		writeTimeout: 5 * time.Second,
		done:         make(chan struct{}),
	}
	c.unwatch = doc.OnUpdate(func(evt crdt.UpdateEvent) {
		if evt.Origin == c {
			return
		}
		if err := c.send(evt.Update); err != nil {
			c.logger.Warn().Err(err).Msg("forward update failed")
		}
	})
	if err := c.send(doc.EncodeState()); err != nil {
		c.Close()
		return nil, fmt.Errorf("send initial state: %w", err)
	}
	return c, nil
}

// Run applies relayed updates until the connection closes or ctx is done.
func (c *Client) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.Close()
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if kind != websocket.BinaryMessage {
			continue
		}

		update, err := crdt.DecodeUpdate(payload)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping undecodable update")
			continue
		}
		if err := c.doc.ApplyUpdate(update, c); err != nil && !errors.Is(err, syncstate.ErrCausalityGap) {
			c.Close()
			return err
		}
	}
}

// Close detaches the replica and closes the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.unwatch != nil {
			c.unwatch()
		}
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(c.writeTimeout))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}

func (c *Client) send(u crdt.Update) error {
	payload, err := crdt.EncodeUpdate(u)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, payload)
}
