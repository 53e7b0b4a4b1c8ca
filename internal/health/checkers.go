package health

import (
	"fmt"

	"github.com/tensorlens/tensorlens/internal/broadcast"
	"github.com/tensorlens/tensorlens/internal/storage"
)

// queueBacklogLimit is where an unbounded broadcast queue stops being
// "observers are briefly behind" and starts being a leak.
const queueBacklogLimit = 10000

// BridgeChecker grades the broadcast bridge: unhealthy when the hub
// is not running, degraded when the outbound queue has built a large
// backlog.
func BridgeChecker(hub *broadcast.Hub) Checker {
	return func() Component {
		c := Component{Name: "bridge", Status: StatusHealthy}
		if !hub.Running() {
			c.Status = StatusUnhealthy
			c.Message = "broadcast loop not running"
			return c
		}
		depth := hub.QueueDepth()
		c.Metadata = map[string]any{
			"connections": hub.ConnectionCount(),
			"queue_depth": depth,
		}
		if depth > queueBacklogLimit {
			c.Status = StatusDegraded
			c.Message = fmt.Sprintf("broadcast queue backlog: %d envelopes", depth)
		}
		return c
	}
}

// StoreChecker reports a store's entry count and resident bytes.
func StoreChecker(name string, usage func() storage.Usage) Checker {
	return func() Component {
		u := usage()
		return Component{
			Name:   name,
			Status: StatusHealthy,
			Metadata: map[string]any{
				"count":       u.Count,
				"total_bytes": u.TotalBytes,
			},
		}
	}
}
