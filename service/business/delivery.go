package business

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/util"
)

// Defaults for delivery retry and broadcast pacing.
const (
	DefaultMaxRetries     = 3
	DefaultBaseRetryDelay = time.Second
	DefaultChunkSize      = 100
	DefaultChunkDelay     = 50 * time.Millisecond
)

// Emitter is the registry surface the delivery service composes over.
// Kept as an interface so retry behaviour is testable against stubs.
type Emitter interface {
	EmitToUser(ctx context.Context, userID, event string, data any) (bool, error)
	EmitToUsers(ctx context.Context, userIDs []string, event string, data any) (int, error)
	Stats() Stats
	IsUserOnline(userID string) bool
	OnlineUserIDs() []string
}

// Notification is the record composed onto the notification event.
type Notification struct {
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Status    string    `json:"status,omitempty"`
	Type      string    `json:"type,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Health is the coarse liveness signal for external monitoring. It is not a
// correctness guarantee.
type Health struct {
	TotalConnections int  `json:"total_connections"`
	OnlineUsers      int  `json:"online_users"`
	Healthy          bool `json:"healthy"`
}

// OfflineHandler is invoked when a delivery reports no successful recipient,
// e.g. to persist the payload as a missed notification.
type OfflineHandler func(ctx context.Context, userID, event string, data any) error

// DeliveryOptions carries the delivery service tunables.
type DeliveryOptions struct {
	MaxRetries     int
	BaseRetryDelay time.Duration
	ChunkSize      int
	ChunkDelay     time.Duration
}

func (o DeliveryOptions) withDefaults() DeliveryOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BaseRetryDelay <= 0 {
		o.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkDelay <= 0 {
		o.ChunkDelay = DefaultChunkDelay
	}
	return o
}

// Delivery wraps the registry's emit primitives with retry, notification
// composition, chunked fan-out, offline fallback and health reporting.
type Delivery struct {
	emitter Emitter
	opts    DeliveryOptions
}

func NewDelivery(emitter Emitter, opts DeliveryOptions) *Delivery {
	return &Delivery{
		emitter: emitter,
		opts:    opts.withDefaults(),
	}
}

// SendToUser emits to one user with retry. Each attempt re-resolves the live
// connection set, so a reconnecting client is picked up naturally.
func (d *Delivery) SendToUser(ctx context.Context, userID, event string, data any) (bool, error) {
	return retryEmit(ctx, d, event, userID, func() (bool, error) {
		return d.emitter.EmitToUser(ctx, userID, event, data)
	})
}

// SendToUsers emits to a list of users with retry, returning the count of
// users that received at least one delivery.
func (d *Delivery) SendToUsers(ctx context.Context, userIDs []string, event string, data any) (int, error) {
	return retryEmit(ctx, d, event, fmt.Sprintf("%d users", len(userIDs)), func() (int, error) {
		return d.emitter.EmitToUsers(ctx, userIDs, event, data)
	})
}

// retryEmit retries the registry call itself with exponential backoff. An
// error from the emitter is retryable; after the final attempt the last
// error is logged with full context and surfaced to the caller.
func retryEmit[T any](ctx context.Context, d *Delivery, event, target string, op func() (T, error)) (T, error) {
	var (
		result  T
		lastErr error
	)

	for attempt := 1; attempt <= d.opts.MaxRetries; attempt++ {
		var err error
		result, err = op()
		if err == nil {
			if attempt > 1 {
				util.Log(ctx).WithFields(map[string]any{
					"event":   event,
					"target":  target,
					"attempt": attempt,
				}).Info("delivery retry succeeded")
			}
			return result, nil
		}
		lastErr = err

		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"event":   event,
			"target":  target,
			"attempt": attempt,
		}).Warn("delivery attempt failed")

		if attempt == d.opts.MaxRetries {
			break
		}
		delay := d.opts.BaseRetryDelay << (attempt - 1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}

	util.Log(ctx).WithError(lastErr).WithFields(map[string]any{
		"event":    event,
		"target":   target,
		"attempts": d.opts.MaxRetries,
	}).Error("all delivery attempts failed")

	return result, fmt.Errorf("%w: %w", ErrDeliveryExhausted, lastErr)
}

// SendNotification stamps the notification with a timestamp and delivers it.
func (d *Delivery) SendNotification(ctx context.Context, userID string, n Notification) (bool, error) {
	n.Timestamp = time.Now()
	return d.SendToUser(ctx, userID, EventNotification, n)
}

// BroadcastNotification delivers the notification to every online user.
func (d *Delivery) BroadcastNotification(ctx context.Context, n Notification) (int, error) {
	n.Timestamp = time.Now()
	return d.SendToUsers(ctx, d.emitter.OnlineUserIDs(), EventNotification, n)
}

// SendSystemMessage delivers a level-tagged system message to one user.
func (d *Delivery) SendSystemMessage(ctx context.Context, userID, message, level string) (bool, error) {
	payload := map[string]any{
		"message":   message,
		"level":     level,
		"timestamp": time.Now(),
	}
	return d.SendToUser(ctx, userID, EventNotification, payload)
}

// BroadcastSystemMessage delivers a system message to every online user.
func (d *Delivery) BroadcastSystemMessage(ctx context.Context, message, level string) (int, error) {
	payload := map[string]any{
		"message":   message,
		"level":     level,
		"timestamp": time.Now(),
	}
	return d.SendToUsers(ctx, d.emitter.OnlineUserIDs(), EventNotification, payload)
}

// SendToUsersInChunks partitions the target list and paces the chunks with a
// small delay so one broadcast cannot saturate the transport layer in a
// single synchronous burst. Returns the total successful-delivery count.
func (d *Delivery) SendToUsersInChunks(ctx context.Context, userIDs []string, event string, data any) (int, error) {
	totalSent := 0
	for start := 0; start < len(userIDs); start += d.opts.ChunkSize {
		end := min(start+d.opts.ChunkSize, len(userIDs))

		sent, err := d.SendToUsers(ctx, userIDs[start:end], event, data)
		totalSent += sent
		if err != nil {
			return totalSent, err
		}

		if end < len(userIDs) {
			select {
			case <-time.After(d.opts.ChunkDelay):
			case <-ctx.Done():
				return totalSent, ctx.Err()
			}
		}
	}
	return totalSent, nil
}

// SendWithOfflineHandling invokes the offline handler if and only if the
// delivery reports no successful recipient. Offline handler failures are
// logged and never propagated.
func (d *Delivery) SendWithOfflineHandling(
	ctx context.Context,
	userID, event string,
	data any,
	offline OfflineHandler,
) (bool, error) {
	sent, err := d.SendToUser(ctx, userID, event, data)
	if err != nil || !sent {
		if offline != nil {
			if offlineErr := offline(ctx, userID, event, data); offlineErr != nil {
				util.Log(ctx).WithError(offlineErr).WithFields(map[string]any{
					"user_id": userID,
					"event":   event,
				}).Error("offline handler failed")
			}
		}
	}
	return sent, err
}

// CheckHealth reports the coarse connection health: healthy when both counts
// are non-zero.
func (d *Delivery) CheckHealth() Health {
	stats := d.emitter.Stats()
	return Health{
		TotalConnections: stats.TotalConnections,
		OnlineUsers:      stats.OnlineUserCount,
		Healthy:          stats.TotalConnections > 0 && stats.OnlineUserCount > 0,
	}
}
