// Package queues hosts the subscribe workers bridging backend services to the
// realtime delivery path.
package queues

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"

	"github.com/mustafaa-dev/nexa-play-api/config"
	"github.com/mustafaa-dev/nexa-play-api/internal"
	"github.com/mustafaa-dev/nexa-play-api/service/business"
)

type RealtimeDeliveryQueueHandler struct {
	cfg      *config.RealtimeConfig
	qManager queue.Manager
	delivery *business.Delivery
}

func NewRealtimeDeliveryQueueHandler(
	cfg *config.RealtimeConfig,
	qManager queue.Manager,
	delivery *business.Delivery,
) queue.SubscribeWorker {
	return &RealtimeDeliveryQueueHandler{
		cfg:      cfg,
		qManager: qManager,
		delivery: delivery,
	}
}

// Handle pushes one queued payload to the targeted user. Messages for users
// without a live connection are republished to the offline queue; malformed
// messages are dropped so the queue never wedges on a poison message.
func (dq *RealtimeDeliveryQueueHandler) Handle(ctx context.Context, headers map[string]string, payload []byte) error {
	userID := headers[internal.HeaderUserID]
	if userID == "" {
		util.Log(ctx).Warn("delivery message missing user id header, dropping")
		return nil
	}

	event := headers[internal.HeaderEvent]
	if event == "" {
		event = business.EventNotification
	}

	if !json.Valid(payload) {
		util.Log(ctx).WithField("user_id", userID).
			Warn("delivery message carries invalid payload, dropping")
		return nil
	}

	sent, err := dq.delivery.SendWithOfflineHandling(
		ctx, userID, event, json.RawMessage(payload), dq.publishToOfflineQueue)
	if err != nil {
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"user_id": userID,
			"event":   event,
		}).Error("queued delivery failed")
		return err
	}

	util.Log(ctx).WithFields(map[string]any{
		"user_id":   userID,
		"event":     event,
		"delivered": sent,
	}).Debug("processed queued delivery")
	return nil
}

func (dq *RealtimeDeliveryQueueHandler) publishToOfflineQueue(
	ctx context.Context,
	userID, event string,
	data any,
) error {
	offlineTopic, err := dq.qManager.GetPublisher(dq.cfg.QueueOfflineDeliveryName)
	if err != nil {
		return err
	}
	if offlineTopic == nil {
		return fmt.Errorf("offline delivery publisher %q not registered", dq.cfg.QueueOfflineDeliveryName)
	}

	headers := map[string]string{
		internal.HeaderUserID: userID,
		internal.HeaderEvent:  event,
	}
	return offlineTopic.Publish(ctx, data, headers)
}
