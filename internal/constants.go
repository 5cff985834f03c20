package internal

// Queue message headers shared between the realtime service and the backend
// services that publish into its queues.
const (
	HeaderUserID       = "user_id"
	HeaderConnectionID = "connection_id"
	HeaderEvent        = "event"
	HeaderLifecycle    = "lifecycle"
)
