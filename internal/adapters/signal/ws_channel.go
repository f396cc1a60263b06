package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

const (
	wsWriteDeadline   = 5 * time.Second
	defaultSendBuffer = 32
)

// WSChannel is the primary side-channel: a websocket connection to the
// signaling hub's broadcast switchboard.
type WSChannel struct {
	endpoint string
	sendBuf  int

	mu     sync.RWMutex
	conn   *websocket.Conn
	send   chan []byte
	closed bool
	cancel context.CancelFunc
}

func NewWSChannel(endpoint string, sendBuf int) *WSChannel {
	if sendBuf <= 0 {
		sendBuf = defaultSendBuffer
	}
	return &WSChannel{endpoint: endpoint, sendBuf: sendBuf}
}

func (c *WSChannel) Name() string { return "websocket" }

func (c *WSChannel) Start(ctx context.Context, session domain.SessionID, recv core.Handler) error {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("bad ws endpoint: %w", err)
	}
	q := u.Query()
	q.Set("session", string(session))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("ws dial: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan []byte, c.sendBuf)
	c.closed = false
	c.cancel = cancel
	c.mu.Unlock()

	go c.writePump(ctx)
	go c.readPump(ctx, session, recv)
	return nil
}

func (c *WSChannel) Send(m core.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.send == nil {
		return errors.New("channel closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *WSChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.send != nil {
		close(c.send)
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

func (c *WSChannel) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline)); err != nil {
				log.Error().Err(err).Str("module", "signal.ws").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal.ws").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *WSChannel) readPump(ctx context.Context, session domain.SessionID, recv core.Handler) {
	defer func() {
		log.Info().Str("module", "signal.ws").Str("session", string(session)).Msg("readPump closing")
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "signal.ws").Msg("readPump read error")
				return
			}
			var m core.Message
			if err := json.Unmarshal(data, &m); err != nil {
				log.Error().Err(err).Str("module", "signal.ws").Msg("bad json")
				continue
			}
			recv(m)
		}
	}
}
