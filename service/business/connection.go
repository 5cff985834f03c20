package business

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mustafaa-dev/nexa-play-api/internal"
	"github.com/pitabwire/util"
)

// Defaults for per-connection timing. All overridable via ConnectionOptions.
const (
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultMaxMissedPings        = 10
	DefaultAuthenticationTimeout = 2 * time.Second
)

// ConnectionOptions carries the tunables for a single connection.
type ConnectionOptions struct {
	HeartbeatInterval     time.Duration
	MaxMissedPings        int
	AuthenticationTimeout time.Duration
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.MaxMissedPings <= 0 {
		o.MaxMissedPings = DefaultMaxMissedPings
	}
	if o.AuthenticationTimeout <= 0 {
		o.AuthenticationTimeout = DefaultAuthenticationTimeout
	}
	return o
}

type frameHandler func(ctx context.Context, frame *Frame)

// Connection is the per-socket authentication/heartbeat state machine.
//
// Lifecycle:
//
//	Connecting -> Authenticating -> Authenticated -> Disconnected
//	Authenticating -> Error -> Disconnected (cleanup)
//
// The acceptor that constructed a connection owns it until registration; the
// registry only indexes it afterwards. All mutable fields are owned by the
// connection itself and the acceptor's disconnect path.
type Connection struct {
	transport Transport
	verifier  TokenVerifier
	directory UserDirectory
	opts      ConnectionOptions

	state        atomic.Int32
	lastLiveness atomic.Int64 // unix nanos, refreshed by ping/pong/heartbeat

	mu            sync.Mutex
	user          *User
	cleanedUp     bool
	handlers      map[string]frameHandler
	heartbeatStop chan struct{}

	msgHandler MessageHandler
}

// NewConnection wraps a freshly accepted transport. The connection starts in
// Connecting state; callers drive it through Authenticate and Run.
func NewConnection(
	transport Transport,
	verifier TokenVerifier,
	directory UserDirectory,
	opts ConnectionOptions,
) *Connection {
	c := &Connection{
		transport: transport,
		verifier:  verifier,
		directory: directory,
		opts:      opts.withDefaults(),
	}
	c.state.Store(int32(StateConnecting))
	c.lastLiveness.Store(time.Now().UnixNano())
	transport.SetLivenessHandler(c.Touch)
	return c
}

// SetMessageHandler installs the dispatch point for application frames.
// Must be called before Run.
func (c *Connection) SetMessageHandler(h MessageHandler) {
	c.mu.Lock()
	c.msgHandler = h
	c.mu.Unlock()
}

func (c *Connection) ID() string { return c.transport.ID() }

func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// User returns the authenticated user snapshot, nil before authentication and
// after cleanup.
func (c *Connection) User() *User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// CleanedUp reports whether teardown has already run.
func (c *Connection) CleanedUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanedUp
}

// IsValid reports whether the connection may still carry traffic.
func (c *Connection) IsValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.cleanedUp && ConnState(c.state.Load()) == StateAuthenticated && c.user != nil
}

// Touch refreshes the liveness timestamp. Invoked on every inbound
// ping/pong/heartbeat frame and on transport-level control pings.
func (c *Connection) Touch() {
	c.lastLiveness.Store(time.Now().UnixNano())
}

// LastLiveness returns the time of the most recent liveness evidence.
func (c *Connection) LastLiveness() time.Time {
	return time.Unix(0, c.lastLiveness.Load())
}

// Authenticate drives the connection from Connecting to Authenticated, or to
// the Error terminal state. On failure the peer gets a best-effort error
// frame, cleanup runs, and the error is returned; closing the transport is
// the caller's responsibility.
func (c *Connection) Authenticate(ctx context.Context) error {
	c.state.Store(int32(StateAuthenticating))

	token, err := c.extractCredential(ctx)
	if err != nil {
		return c.failAuthentication(ctx, err)
	}

	subject, err := c.verifier.Decode(ctx, token)
	if err != nil {
		return c.failAuthentication(ctx, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err))
	}

	user, err := c.directory.Lookup(ctx, subject)
	if err != nil {
		return c.failAuthentication(ctx, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err))
	}
	if !user.IsActive {
		return c.failAuthentication(ctx, fmt.Errorf("%w: user account is inactive", ErrAuthenticationFailed))
	}

	c.mu.Lock()
	if c.cleanedUp {
		c.mu.Unlock()
		return ErrInvalidConnectionState
	}
	c.user = user
	c.mu.Unlock()
	c.state.Store(int32(StateAuthenticated))

	c.registerFrameHandlers()
	c.startHeartbeat()
	c.sendClientData(ctx)

	util.Log(ctx).WithFields(map[string]any{
		"connection_id": c.ID(),
		"user_id":       user.ID,
	}).Debug("connection authenticated")

	return nil
}

// extractCredential resolves the bearer credential in priority order:
// Authorization header, handshake metadata, query parameter, and finally one
// inbound auth frame bounded by the authentication timeout.
func (c *Connection) extractCredential(ctx context.Context) (string, error) {
	if t := internal.BearerToken(c.transport.AuthorizationHeader()); t != "" {
		return t, nil
	}
	if t := c.transport.HandshakeToken(); t != "" {
		return t, nil
	}
	if t := c.transport.QueryToken(); t != "" {
		return t, nil
	}
	return c.awaitAuthFrame(ctx)
}

// awaitAuthFrame waits for one auth frame of the recognised shape. The timer
// and the frame arrival race; whichever fires first cancels the other via the
// derived context.
func (c *Connection) awaitAuthFrame(ctx context.Context) (string, error) {
	authCtx, cancel := context.WithTimeout(ctx, c.opts.AuthenticationTimeout)
	defer cancel()

	for {
		frame, err := c.transport.Receive(authCtx)
		if err != nil {
			if errors.Is(err, ErrValidation) {
				continue
			}
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return "", ErrAuthenticationTimeout
			}
			return "", fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
		}

		if frame.Event != EventAuth {
			util.Log(authCtx).WithFields(map[string]any{
				"connection_id": c.ID(),
				"event":         frame.Event,
			}).Debug("ignoring pre-authentication frame")
			continue
		}

		var payload authPayload
		if err = json.Unmarshal(frame.Data, &payload); err != nil || payload.Token == "" {
			return "", fmt.Errorf("%w: auth frame missing token", ErrValidation)
		}
		return payload.Token, nil
	}
}

// failAuthentication is the single exit for every authentication sub-step
// failure: notify the peer best-effort, enter the terminal Error state, and
// tear down. The transport itself stays open for the caller to close.
func (c *Connection) failAuthentication(ctx context.Context, cause error) error {
	code := CodeAuthenticationFailed
	if errors.Is(cause, ErrAuthenticationTimeout) {
		code = CodeAuthenticationTimeout
	}
	c.sendError(cause.Error(), code)

	c.state.Store(int32(StateError))
	util.Log(ctx).WithError(cause).WithFields(map[string]any{
		"connection_id": c.ID(),
		"state":         c.State().String(),
	}).Warn("connection authentication failed")

	c.Cleanup(ctx)
	return cause
}

// registerFrameHandlers builds the dispatch table. Handlers are registered as
// one setup step and removed as one cleanup step.
func (c *Connection) registerFrameHandlers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = map[string]frameHandler{
		EventPing:      c.handlePing,
		EventPong:      c.handlePong,
		EventHeartbeat: c.handleHeartbeat,
		EventMessage:   c.handleMessage,
	}
}

// Run processes inbound frames until the transport terminates. Malformed
// frames are logged and skipped; transport errors end the session.
func (c *Connection) Run(ctx context.Context) error {
	for {
		frame, err := c.transport.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrValidation) {
				util.Log(ctx).WithError(err).WithField("connection_id", c.ID()).
					Warn("dropping malformed frame")
				continue
			}
			return err
		}
		c.dispatch(ctx, frame)
	}
}

func (c *Connection) dispatch(ctx context.Context, frame *Frame) {
	c.mu.Lock()
	handler := c.handlers[frame.Event]
	c.mu.Unlock()

	if handler == nil {
		util.Log(ctx).WithFields(map[string]any{
			"connection_id": c.ID(),
			"event":         frame.Event,
		}).Debug("no handler for inbound frame")
		return
	}
	handler(ctx, frame)
}

func (c *Connection) handlePing(_ context.Context, _ *Frame) {
	c.Touch()
	c.SafeEmit(EventPong, nil)
}

func (c *Connection) handlePong(_ context.Context, _ *Frame) {
	c.Touch()
}

func (c *Connection) handleHeartbeat(_ context.Context, _ *Frame) {
	c.Touch()
	c.SafeEmit(EventHeartbeatAck, nil)
}

// handleMessage validates the numeric type field and forwards to the
// installed application handler. Processing errors never end the session.
func (c *Connection) handleMessage(ctx context.Context, frame *Frame) {
	var probe struct {
		Type *float64 `json:"type"`
	}
	if err := json.Unmarshal(frame.Data, &probe); err != nil || probe.Type == nil {
		util.Log(ctx).WithField("connection_id", c.ID()).
			Warn("message frame missing numeric type field")
		return
	}

	c.mu.Lock()
	handler := c.msgHandler
	c.mu.Unlock()
	if handler == nil {
		util.Log(ctx).WithFields(map[string]any{
			"connection_id": c.ID(),
			"type":          int(*probe.Type),
		}).Debug("no message handler installed, dropping frame")
		return
	}

	if err := handler(ctx, c, int(*probe.Type), frame.Data); err != nil {
		util.Log(ctx).WithError(err).WithField("connection_id", c.ID()).
			Warn("message handler error")
	}
}

// startHeartbeat begins liveness monitoring. Each tick compares idle time
// against the missed-ping grace window and force-closes the transport when
// the peer has gone silent; the closed transport then drives the normal
// disconnect path.
func (c *Connection) startHeartbeat() {
	c.Touch()

	stop := make(chan struct{})
	c.mu.Lock()
	c.heartbeatStop = stop
	c.mu.Unlock()

	grace := c.opts.HeartbeatInterval * time.Duration(c.opts.MaxMissedPings)

	go func() {
		ticker := time.NewTicker(c.opts.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if c.CleanedUp() {
					return
				}
				idle := time.Since(c.LastLiveness())
				if idle <= grace {
					continue
				}
				util.Log(context.Background()).WithFields(map[string]any{
					"connection_id": c.ID(),
					"idle":          idle.String(),
					"grace":         grace.String(),
				}).Warn("client not responding to heartbeats, disconnecting")
				_ = c.transport.Close()
				return
			}
		}
	}()
}

// sendClientData pushes the post-authentication snapshot to the client.
func (c *Connection) sendClientData(ctx context.Context) {
	user := c.User()
	if user == nil {
		return
	}

	c.SafeEmit(EventClientData, map[string]any{
		"name":      user.DisplayName,
		"role":      user.Role,
		"is_active": user.IsActive,
		"is_admin":  user.Role == "admin",
	})

	util.Log(ctx).WithField("user_id", user.ID).Debug("sent client data snapshot")
}

// SafeEmit writes an event frame to the peer. It is a logged no-op on an
// unauthenticated connection and reports write failures through its return
// value without ever propagating them; one broken peer must not fault a
// broadcasting caller.
func (c *Connection) SafeEmit(event string, payload any) bool {
	if !c.IsValid() {
		util.Log(context.Background()).WithFields(map[string]any{
			"connection_id": c.ID(),
			"event":         event,
			"state":         c.State().String(),
		}).Warn("attempted to emit on unauthenticated connection")
		return false
	}

	frame, err := encodeFrame(event, payload)
	if err != nil {
		util.Log(context.Background()).WithError(err).WithField("event", event).
			Error("failed to encode outbound frame")
		return false
	}

	if err = c.transport.Send(frame); err != nil {
		util.Log(context.Background()).WithError(err).WithFields(map[string]any{
			"connection_id": c.ID(),
			"event":         event,
		}).Error("failed to emit to connection")
		return false
	}
	return true
}

// sendError pushes one best-effort error frame regardless of state; used on
// rejection paths before the connection ever authenticates.
func (c *Connection) sendError(message, code string) {
	frame, err := encodeFrame(EventError, errorPayload{Message: message, Code: code})
	if err != nil {
		return
	}
	_ = c.transport.Send(frame)
}

// Cleanup tears the connection down. Idempotent: the first invocation moves
// the state to Disconnected, cancels the heartbeat, detaches the dispatch
// table and clears the user reference; later invocations are no-ops. Cleanup
// never closes the underlying transport, that stays with the caller.
func (c *Connection) Cleanup(ctx context.Context) {
	c.mu.Lock()
	if c.cleanedUp {
		c.mu.Unlock()
		return
	}
	c.cleanedUp = true
	stop := c.heartbeatStop
	c.heartbeatStop = nil
	c.handlers = nil
	c.user = nil
	c.mu.Unlock()

	c.state.Store(int32(StateDisconnected))
	if stop != nil {
		close(stop)
	}

	util.Log(ctx).WithField("connection_id", c.ID()).Debug("connection cleanup completed")
}

func encodeFrame(event string, payload any) (*Frame, error) {
	frame := &Frame{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		frame.Data = data
	}
	return frame, nil
}
