// Package wsserver is the client-facing WebSocket transport for one shard.
//
// It owns nothing but the sockets: every inbound event is handed to the
// shard's worker loop, and outbound envelopes arrive through the worker.Conn
// it registers on accept.
package wsserver

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/theinstashare/signal-router/internal/config"
	"github.com/theinstashare/signal-router/internal/worker"
)

const (
	writeWait = 5 * time.Second
	// sendQueueDepth bounds per-connection outbound envelopes. Send is
	// best-effort: a slow client drops, it does not backpressure the shard.
	sendQueueDepth = 64
)

type Server struct {
	cfg      config.Config
	log      *slog.Logger
	worker   *worker.Worker
	upgrader websocket.Upgrader
}

func New(cfg config.Config, logger *slog.Logger, w *worker.Worker) *Server {
	return &Server{
		cfg:    cfg,
		log:    logger,
		worker: w,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendQueueDepth),
		done: make(chan struct{}),
		log:  s.log,
	}
	s.log.Debug("websocket connection initiated", "conn", c.id, "remote", r.RemoteAddr)

	s.worker.OnConnect(c)
	go c.writePump(s.cfg.WSPingInterval)
	s.readLoop(c)
}

func (s *Server) readLoop(c *conn) {
	defer func() {
		c.stop()
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			s.worker.OnDisconnect(c.id, err.Error())
			return
		}
		// Any inbound frame counts as activity, even ones we ignore below.
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		s.worker.OnMessage(c.id, data)
	}
}

var (
	errConnClosed = errors.New("wsserver: connection closed")
	errSlowClient = errors.New("wsserver: send queue full")
)

// conn adapts one websocket to the worker.Conn contract. Writes go through a
// single pump goroutine because gorilla connections allow one writer at a
// time.
type conn struct {
	id       string
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
	log      *slog.Logger
}

func (c *conn) ID() string { return c.id }

func (c *conn) Send(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	case c.send <- data:
		return nil
	default:
		c.log.Debug("dropping envelope for slow client", "conn", c.id)
		return errSlowClient
	}
}

func (c *conn) Close() error {
	c.stop()
	return c.ws.Close()
}

func (c *conn) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *conn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.stop()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.stop()
				return
			}
		}
	}
}
