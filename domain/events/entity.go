// Package events implements the append-only event store keyed by course_id,
// feeding SSE delivery and timeline reconstruction.
package events

import (
	"time"

	"github.com/uptrace/bun"
)

// Conventional event types emitted across a course's lifetime.
const (
	TypeConciergeStarted   = "concierge_started"
	TypeConciergeThinking  = "concierge_thinking"
	TypeConciergeToolStart = "concierge_tool_started"
	TypeToolStarted        = "tool_started"
	TypeToolCompleted      = "tool_completed"
	TypeToolFailed         = "tool_failed"
	TypeCommisSpawned      = "commis_spawned"
	TypeCommisStarted      = "commis_started"
	TypeCommisComplete     = "commis_complete"
	TypeConciergeComplete  = "concierge_complete"
	TypeError              = "error"
	TypeRunUpdated         = "run_updated"
	TypeConnected          = "connected"
	TypeHeartbeat          = "heartbeat"
)

// Event is a single append-only row in the event log.
type Event struct {
	bun.BaseModel `bun:"table:core.events,alias:ev"`

	ID        int64          `bun:"id,pk,autoincrement" json:"id"`
	CourseID  string         `bun:"course_id,notnull" json:"course_id"`
	EventType string         `bun:"event_type,notnull" json:"event_type"`
	Payload   map[string]any `bun:"payload,type:jsonb,notnull,default:'{}'" json:"payload"`
	CreatedAt time.Time      `bun:"created_at,notnull,default:now()" json:"created_at"`
}

// Frame is the wire shape of a single SSE event, per the stream contract:
// event: {type}\ndata: {json}\n\n where json is {type, payload, timestamp}.
type Frame struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp string         `json:"timestamp"`
}

// ToFrame converts a persisted Event into its SSE wire representation.
func (e *Event) ToFrame() Frame {
	return Frame{
		Type:      e.EventType,
		Payload:   e.Payload,
		Timestamp: e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// TimelineSummary is the derived phase-duration summary for a course timeline.
type TimelineSummary struct {
	ConciergeThinkingMs *int64 `json:"concierge_thinking_ms"`
	CommisExecutionMs   *int64 `json:"commis_execution_ms"`
	ToolExecutionMs     *int64 `json:"tool_execution_ms"`
}

// TimelineEvent is a single event annotated with its offset from the first event.
type TimelineEvent struct {
	Event
	OffsetMs int64 `json:"offset_ms"`
}

// Timeline is the full derived timeline for a course.
type Timeline struct {
	Events  []TimelineEvent `json:"events"`
	Summary TimelineSummary `json:"summary"`
}
