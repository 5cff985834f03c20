// Package handlers exposes the realtime service over HTTP: the websocket
// endpoint that feeds accepted sockets into the acceptor, plus the health and
// stats endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pitabwire/util"

	"github.com/mustafaa-dev/nexa-play-api/internal"
	"github.com/mustafaa-dev/nexa-play-api/service/business"
)

const (
	defaultWriteTimeout    = 10 * time.Second
	defaultReadBufferSize  = 4096
	defaultWriteBufferSize = 4096
)

// RealtimeServer serves the websocket endpoint and the operational surface.
type RealtimeServer struct {
	acceptor *business.Acceptor
	registry *business.Registry
	delivery *business.Delivery
	upgrader websocket.Upgrader
}

func NewRealtimeServer(
	acceptor *business.Acceptor,
	registry *business.Registry,
	delivery *business.Delivery,
) *RealtimeServer {
	return &RealtimeServer{
		acceptor: acceptor,
		registry: registry,
		delivery: delivery,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  defaultReadBufferSize,
			WriteBufferSize: defaultWriteBufferSize,
			// Browser clients connect from arbitrary origins; authentication
			// is enforced by the token handshake, not the origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the mux wiring all endpoints of this server.
func (s *RealtimeServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleSocket)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/stats", s.handleStats)
	return mux
}

// handleSocket upgrades the request and hands the transport to the acceptor,
// blocking for the session lifetime. The raw socket is closed here, never by
// the business layer.
func (s *RealtimeServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Log(ctx).WithError(err).Warn("websocket upgrade failed")
		return
	}

	tr := newWSTransport(wsConn, r)
	defer func() { _ = tr.Close() }()

	if err = s.acceptor.HandleSocket(ctx, tr); err != nil {
		util.Log(ctx).WithError(err).WithField("connection_id", tr.ID()).
			Debug("socket session rejected or failed")
	}
}

func (s *RealtimeServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := s.delivery.CheckHealth()
	writeJSON(w, http.StatusOK, health)
}

func (s *RealtimeServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"registry": s.registry.Stats(),
		"acceptor": s.acceptor.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// wsTransport adapts one gorilla websocket connection to the business-layer
// transport contract.
type wsTransport struct {
	id         string
	conn       *websocket.Conn
	remoteAddr string
	userAgent  string
	authHeader string
	handshake  string
	query      string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn, r *http.Request) *wsTransport {
	t := &wsTransport{
		id:         util.IDString(),
		conn:       conn,
		remoteAddr: r.RemoteAddr,
		userAgent:  r.UserAgent(),
		authHeader: r.Header.Get("Authorization"),
		handshake:  internal.SubprotocolToken(r.Header.Get("Sec-WebSocket-Protocol")),
		query:      r.URL.Query().Get("token"),
	}
	return t
}

func (t *wsTransport) ID() string                  { return t.id }
func (t *wsTransport) RemoteAddr() string          { return t.remoteAddr }
func (t *wsTransport) UserAgent() string           { return t.userAgent }
func (t *wsTransport) AuthorizationHeader() string { return t.authHeader }
func (t *wsTransport) HandshakeToken() string      { return t.handshake }
func (t *wsTransport) QueryToken() string          { return t.query }

// SetLivenessHandler routes protocol-level control frames into the liveness
// callback, so clients pinging at the websocket layer also count as alive.
func (t *wsTransport) SetLivenessHandler(fn func()) {
	t.conn.SetPingHandler(func(appData string) error {
		fn()
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		return t.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(defaultWriteTimeout))
	})
	t.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

// Receive blocks for the next frame. A context deadline is projected onto the
// socket read deadline; malformed payloads return a recoverable validation
// error while transport failures terminate the session.
func (t *wsTransport) Receive(ctx context.Context) (*business.Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}

	_, payload, err := t.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}

	var frame business.Frame
	if err = json.Unmarshal(payload, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", business.ErrValidation, err)
	}
	if frame.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", business.ErrValidation)
	}
	return &frame, nil
}

func (t *wsTransport) Send(frame *business.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return t.conn.WriteJSON(frame)
}

// Close sends a best-effort close frame and tears the socket down. Safe to
// call from both the session handler and the shutdown drain.
func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
