package espnow

import "sync/atomic"

// counters are written by the bridge loop and the radio callback and read
// by diagnostics.
type counters struct {
	received         atomic.Uint64
	published        atomic.Uint64
	publishFailures  atomic.Uint64
	requeued         atomic.Uint64
	droppedOffline   atomic.Uint64
	droppedOversize  atomic.Uint64
	droppedUnknown   atomic.Uint64
	droppedRetry     atomic.Uint64
	droppedPermanent atomic.Uint64
	announcements    atomic.Uint64
	healthPublishes  atomic.Uint64
}

// Stats is a point-in-time copy of the bridge counters.
type Stats struct {
	State           string `json:"state"`
	FramesReceived  uint64 `json:"frames_received"`
	FramesPublished uint64 `json:"frames_published"`
	PublishFailures uint64 `json:"publish_failures"`
	FramesRequeued  uint64 `json:"frames_requeued"`

	DroppedOverflow  uint64 `json:"dropped_overflow"`
	DroppedOffline   uint64 `json:"dropped_offline"`
	DroppedOversize  uint64 `json:"dropped_oversize"`
	DroppedUnknown   uint64 `json:"dropped_unknown_kind"`
	DroppedRetry     uint64 `json:"dropped_retry_exhausted"`
	DroppedPermanent uint64 `json:"dropped_permanent"`

	InboxDepth    int    `json:"inbox_depth"`
	InboxCapacity int    `json:"inbox_capacity"`
	DropPolicy    string `json:"drop_policy"`

	ConnectAttempts      int    `json:"connect_attempts"`
	MaxConnectAttempts   int    `json:"max_connect_attempts"`
	TotalConnectAttempts uint64 `json:"total_connect_attempts"`
	Connects             uint64 `json:"connects"`

	Announcements   uint64 `json:"announcements"`
	HealthPublishes uint64 `json:"health_publishes"`
}

// DroppedTotal sums every drop reason.
func (s Stats) DroppedTotal() uint64 {
	return s.DroppedOverflow + s.DroppedOffline + s.DroppedOversize +
		s.DroppedUnknown + s.DroppedRetry + s.DroppedPermanent
}

// Fields flattens the snapshot for telemetry.
func (s Stats) Fields() map[string]any {
	return map[string]any{
		"frames_received":        int64(s.FramesReceived),
		"frames_published":       int64(s.FramesPublished),
		"publish_failures":       int64(s.PublishFailures),
		"frames_requeued":        int64(s.FramesRequeued),
		"dropped_total":          int64(s.DroppedTotal()),
		"dropped_overflow":       int64(s.DroppedOverflow),
		"dropped_offline":        int64(s.DroppedOffline),
		"inbox_depth":            int64(s.InboxDepth),
		"connect_attempts":       int64(s.ConnectAttempts),
		"total_connect_attempts": int64(s.TotalConnectAttempts),
		"state":                  s.State,
	}
}
