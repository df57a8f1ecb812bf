package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	writeWait           = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	maxMessageSize      = 64 << 10
	sendBuffer          = 64
)

var (
	errConnClosed   = errors.New("websocket connection closed")
	errSlowConsumer = errors.New("websocket send buffer full")
)

// wsOutbox queues envelopes for one websocket connection. Frames are
// written by a single pump goroutine.
type wsOutbox struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSOutbox(conn *websocket.Conn) *wsOutbox {
	return &wsOutbox{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
}

func (o *wsOutbox) Send(env models.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-o.done:
		return errConnClosed
	default:
	}
	select {
	case o.send <- b:
		return nil
	case <-o.done:
		return errConnClosed
	default:
		return errSlowConsumer
	}
}

func (o *wsOutbox) close() {
	o.once.Do(func() { close(o.done) })
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.loggerFor(r).Warn("websocket upgrade failed", "remote_addr", remoteIP(r), "error", err)
		return
	}
	connID := uuid.NewString()
	out := newWSOutbox(conn)
	logger := s.loggerFor(r).With("conn_id", connID)

	pongWait := 2 * s.pingInterval
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.writePump(out, logger)
	s.rt.Connect(connID, out)
	logger.Info("websocket connected", "remote_addr", remoteIP(r))

	defer func() {
		s.rt.Disconnect(connID)
		out.close()
		_ = conn.Close()
		logger.Info("websocket disconnected")
	}()

	ctx := r.Context()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				logger.Info("websocket read deadline exceeded")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read error", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.rt.HandleMessage(ctx, connID, msg)
	}
}

func (s *Server) writePump(out *wsOutbox, logger *slog.Logger) {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		out.close()
		_ = out.conn.Close()
	}()
	for {
		select {
		case msg := <-out.send:
			_ = out.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := out.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Warn("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := out.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Warn("websocket ping failed", "error", err)
				return
			}
		case <-out.done:
			_ = out.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// originChecker accepts requests without an Origin header, same-host and
// local development origins, and any origin in allowed. "*" allows all.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[o] = true
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		return set[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}
