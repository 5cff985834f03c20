// Package events publishes connection lifecycle events for downstream
// presence and notification services.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"

	"github.com/mustafaa-dev/nexa-play-api/internal"
	"github.com/mustafaa-dev/nexa-play-api/service/business"
)

const publishTimeout = 5 * time.Second

// QueueSink publishes lifecycle events onto the configured queue. Publication
// is fire-and-forget: the connection path never blocks on or observes
// publishing failures.
type QueueSink struct {
	qManager  queue.Manager
	queueName string
}

func NewQueueSink(qManager queue.Manager, queueName string) *QueueSink {
	return &QueueSink{qManager: qManager, queueName: queueName}
}

func (s *QueueSink) Publish(ctx context.Context, evt business.LifecycleEvent) {
	go func() {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()

		publisher, err := s.qManager.GetPublisher(s.queueName)
		if err != nil || publisher == nil {
			util.Log(pubCtx).WithError(err).WithField("queue", s.queueName).
				Warn("lifecycle publisher unavailable")
			return
		}

		payload, err := json.Marshal(evt)
		if err != nil {
			util.Log(pubCtx).WithError(err).Warn("failed to encode lifecycle event")
			return
		}

		headers := map[string]string{
			internal.HeaderUserID:       evt.UserID,
			internal.HeaderConnectionID: evt.ConnectionID,
			internal.HeaderLifecycle:    evt.Kind,
		}
		if err = publisher.Publish(pubCtx, payload, headers); err != nil {
			util.Log(pubCtx).WithError(err).WithFields(map[string]any{
				"queue": s.queueName,
				"kind":  evt.Kind,
			}).Warn("failed to publish lifecycle event")
		}
	}()
}
