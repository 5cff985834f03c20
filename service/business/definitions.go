// Package business implements the realtime core: the per-socket
// authentication/heartbeat state machine, the process-wide connection
// registry, the delivery service and the connection acceptor.
package business

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ConnState tracks where a connection is in its lifecycle.
// Disconnected and StateError are terminal.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// User is the directory snapshot for an authenticated subject.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	IsActive    bool   `json:"is_active"`
}

// Frame is the JSON envelope exchanged on the wire.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Wire event names consumed from and produced to clients.
const (
	EventAuth           = "auth"
	EventMessage        = "message"
	EventPing           = "ping"
	EventPong           = "pong"
	EventHeartbeat      = "heartbeat"
	EventHeartbeatAck   = "heartbeat-ack"
	EventClientData     = "client-data"
	EventNotification   = "notification"
	EventServerShutdown = "server-shutdown"
	EventError          = "error"
)

// Error codes carried on outbound error frames.
const (
	CodeAuthenticationFailed  = "AUTHENTICATION_FAILED"
	CodeAuthenticationTimeout = "AUTHENTICATION_TIMEOUT"
	CodeCapacityExceeded      = "CAPACITY_EXCEEDED"
	CodeSetupTimeout          = "SETUP_TIMEOUT"
	CodeShuttingDown          = "SHUTTING_DOWN"
)

// Sentinel errors for fast equality checks with errors.Is().
var (
	ErrAuthenticationTimeout  = errors.New("authentication timeout")
	ErrAuthenticationFailed   = errors.New("authentication failed")
	ErrInvalidToken           = errors.New("invalid token")
	ErrUserNotFound           = errors.New("user not found")
	ErrCapacityExceeded       = errors.New("connection capacity exceeded")
	ErrSetupTimeout           = errors.New("connection setup timed out")
	ErrInvalidConnectionState = errors.New("invalid connection state")
	ErrDeliveryExhausted      = errors.New("delivery retries exhausted")
	ErrShuttingDown           = errors.New("server is shutting down")
	ErrRegistryClosed         = errors.New("registry is closed")
	ErrValidation             = errors.New("malformed frame")
)

// Transport abstracts one duplex session with a client. Implementations wrap
// the actual socket; the business layer never touches transport internals.
type Transport interface {
	// ID is the transport-assigned identifier, unique per physical socket.
	ID() string
	RemoteAddr() string
	UserAgent() string

	// Handshake credential sources, in extraction priority order.
	AuthorizationHeader() string
	HandshakeToken() string
	QueryToken() string

	// SetLivenessHandler installs a callback invoked whenever the transport
	// observes protocol-level liveness (control ping/pong frames).
	SetLivenessHandler(fn func())

	// Receive blocks for the next inbound frame, honouring ctx cancellation.
	// A frame that cannot be decoded returns an error wrapping ErrValidation;
	// such errors are recoverable and do not invalidate the session.
	Receive(ctx context.Context) (*Frame, error)
	Send(frame *Frame) error
	Close() error
}

// TokenVerifier decodes a bearer credential into a subject identifier.
// Failures wrap ErrInvalidToken.
type TokenVerifier interface {
	Decode(ctx context.Context, token string) (string, error)
}

// UserDirectory resolves a subject identifier to a user snapshot.
// Absent users fail with ErrUserNotFound.
type UserDirectory interface {
	Lookup(ctx context.Context, subjectID string) (*User, error)
}

// Lifecycle event kinds published to the EventSink.
const (
	LifecycleConnected    = "connected"
	LifecycleDisconnected = "disconnected"
	LifecycleStatus       = "status"
)

// LifecycleEvent describes a connection lifecycle change for presence and
// notification features downstream.
type LifecycleEvent struct {
	Kind         string            `json:"kind"`
	UserID       string            `json:"user_id"`
	ConnectionID string            `json:"connection_id"`
	Meta         map[string]string `json:"meta,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

// EventSink receives lifecycle events fire-and-forget; the core never blocks
// on publication and never observes its failures.
type EventSink interface {
	Publish(ctx context.Context, evt LifecycleEvent)
}

// MessageHandler is the opaque dispatch point for application frames received
// after authentication. msgType is the numeric type field every message frame
// must carry; routing beyond that is up to the installed handler.
type MessageHandler func(ctx context.Context, conn *Connection, msgType int, data json.RawMessage) error

// authPayload is the recognised shape of an inbound authentication frame.
type authPayload struct {
	Token string `json:"token"`
}

// errorPayload is the body of outbound error frames.
type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
