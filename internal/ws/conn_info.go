package ws

import (
	"time"

	"studybuddy/internal/observability"
)

// ConnInfo identifies one websocket connection in logs and lifecycle events.
type ConnInfo struct {
	observability.ClientMeta
	ConnID      string
	UserID      string
	TraceID     string
	ConnectedAt time.Time
}
