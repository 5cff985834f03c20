package queues

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/util"

	"github.com/mustafaa-dev/nexa-play-api/internal"
	"github.com/mustafaa-dev/nexa-play-api/service/business"
	"github.com/mustafaa-dev/nexa-play-api/service/directory"
)

const lifecycleRemoved = "removed"

type ProfileSyncQueueHandler struct {
	directory *directory.CachedDirectory
}

func NewProfileSyncQueueHandler(dir *directory.CachedDirectory) queue.SubscribeWorker {
	return &ProfileSyncQueueHandler{directory: dir}
}

// Handle applies one user snapshot update from the account services. Removal
// messages evict the snapshot; everything else upserts it. Malformed messages
// are dropped, not retried.
func (ps *ProfileSyncQueueHandler) Handle(ctx context.Context, headers map[string]string, payload []byte) error {
	if headers[internal.HeaderLifecycle] == lifecycleRemoved {
		subjectID := headers[internal.HeaderUserID]
		if subjectID == "" {
			util.Log(ctx).Warn("profile removal missing user id header, dropping")
			return nil
		}
		return ps.directory.Remove(ctx, subjectID)
	}

	var user business.User
	if err := json.Unmarshal(payload, &user); err != nil {
		util.Log(ctx).WithError(err).Warn("failed to parse profile sync message, dropping")
		return nil
	}

	if err := ps.directory.Store(ctx, user); err != nil {
		if errors.Is(err, business.ErrValidation) {
			util.Log(ctx).WithError(err).Warn("invalid profile sync message, dropping")
			return nil
		}
		util.Log(ctx).WithError(err).WithField("user_id", user.ID).
			Error("failed to store user snapshot")
		return err
	}
	return nil
}
