package handlers

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mossy-p/pi-signaling/config"
	"github.com/mossy-p/pi-signaling/internal/relay"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrClientClosed   = errors.New("client closed")
)

// Client is a WebSocket connection as seen by the relay. All writes go
// through Send so the write pump is the connection's only writer.
type Client struct {
	conn   *websocket.Conn
	cfg    config.RelayConfig
	logger *zap.Logger
	send   chan []byte

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
}

func newClient(conn *websocket.Conn, cfg config.RelayConfig, logger *zap.Logger) *Client {
	return &Client{
		conn:   conn,
		cfg:    cfg,
		logger: logger,
		send:   make(chan []byte, cfg.SendBuffer),
	}
}

// Send implements relay.Peer.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close implements relay.Peer. Queued messages are written before the close
// frame.
func (c *Client) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
	return nil
}

// HandleSignaling upgrades the request and serves one peer until its
// transport closes.
func HandleSignaling(r *relay.Relay, cfg config.RelayConfig, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("failed to upgrade connection", zap.Error(err), zap.String("remote", c.ClientIP()))
			return
		}
		conn.SetReadLimit(cfg.MaxMessageBytes)

		client := newClient(conn, cfg, logger)
		go client.writePump()

		rc, err := r.Accept(client, c.ClientIP())
		if err != nil {
			logger.Info("rejecting connection", zap.Error(err), zap.String("remote", c.ClientIP()))
			_ = client.Close(relay.CloseGoingAway, "relay shutting down")
			return
		}

		client.readPump(r, rc)
	}
}

func (c *Client) readPump(r *relay.Relay, rc *relay.Connection) {
	log := c.logger.With(zap.String("conn_id", rc.ID()))
	defer r.Disconnect(rc)

	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	limiter := rate.NewLimiter(rate.Limit(c.cfg.MaxMessagesPerSecond), c.cfg.MaxMessagesPerSecond)

	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				_ = c.Close(websocket.CloseMessageTooBig, "message too large")
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Info("websocket read error", zap.Error(err))
			}
			return
		}

		if !limiter.Allow() {
			log.Warn("rate limit exceeded, closing")
			_ = c.Close(relay.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			_ = c.Close(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		err = r.HandleMessage(rc, message)
		switch {
		case err == nil:
		case errors.Is(err, relay.ErrConnectionClosed):
			return
		case errors.Is(err, relay.ErrNoPeer):
			log.Debug("message not delivered", zap.Error(err))
		case errors.Is(err, relay.ErrTransportWrite):
			log.Warn("peer write failed", zap.Error(err))
		default:
			log.Warn("message rejected", zap.Error(err))
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		// a dead writer must make further Sends fail fast
		_ = c.Close(relay.CloseNormal, "")
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				c.mu.Lock()
				code, reason := c.closeCode, c.closeReason
				c.mu.Unlock()
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
