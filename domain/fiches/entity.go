// Package fiches manages durable configured agents and their conversation threads.
package fiches

import (
	"time"

	"github.com/uptrace/bun"
)

// Fiche status values.
const (
	StatusIdle    = "idle"
	StatusRunning = "running"
	StatusFailed  = "failed"
)

// Thread message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Fiche is a durable, configured agent owned by exactly one user.
type Fiche struct {
	bun.BaseModel `bun:"table:core.fiches,alias:f"`

	ID                 string     `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	OwnerID            string     `bun:"owner_id,notnull" json:"owner_id"`
	Name               string     `bun:"name,notnull" json:"name"`
	SystemInstructions string     `bun:"system_instructions,notnull,default:''" json:"system_instructions"`
	TaskInstructions   string     `bun:"task_instructions,notnull,default:''" json:"task_instructions"`
	ModelID            string     `bun:"model_id,notnull" json:"model_id"`
	AllowedTools       []string   `bun:"allowed_tools,array,notnull" json:"allowed_tools"`
	Status             string     `bun:"status,notnull,default:'idle'" json:"status"`
	LastError          *string    `bun:"last_error" json:"last_error,omitempty"`
	LastRunAt          *time.Time `bun:"last_run_at" json:"last_run_at,omitempty"`
	NextRunAt          *time.Time `bun:"next_run_at" json:"next_run_at,omitempty"`
	CronSchedule       *string    `bun:"cron_schedule" json:"cron_schedule,omitempty"`
	CreatedAt          time.Time  `bun:"created_at,notnull,default:now()" json:"created_at"`
	UpdatedAt          time.Time  `bun:"updated_at,notnull,default:now()" json:"updated_at"`
}

// Thread is the persistent conversation context for a fiche.
type Thread struct {
	bun.BaseModel `bun:"table:core.threads,alias:t"`

	ID        string    `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	FicheID   string    `bun:"fiche_id,notnull" json:"fiche_id"`
	CreatedAt time.Time `bun:"created_at,notnull,default:now()" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:now()" json:"updated_at"`
}

// ToolCall is one entry of an assistant message's tool_calls array.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ThreadMessage is one ordered entry in a thread's message log.
type ThreadMessage struct {
	bun.BaseModel `bun:"table:core.thread_messages,alias:tm"`

	ID         string         `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	ThreadID   string         `bun:"thread_id,notnull" json:"thread_id"`
	Seq        int64          `bun:"seq,autoincrement" json:"seq"`
	Role       string         `bun:"role,notnull" json:"role"`
	Content    string         `bun:"content,notnull,default:''" json:"content"`
	ToolCalls  []ToolCall     `bun:"tool_calls,type:jsonb" json:"tool_calls,omitempty"`
	ToolCallID *string        `bun:"tool_call_id" json:"tool_call_id,omitempty"`
	Name       *string        `bun:"name" json:"name,omitempty"`
	Metadata   map[string]any `bun:"metadata,type:jsonb,notnull,default:'{}'" json:"metadata,omitempty"`
	CreatedAt  time.Time      `bun:"created_at,notnull,default:now()" json:"created_at"`
}

// HasToolCallID reports whether m's tool_calls array pairs with id.
func (m *ThreadMessage) HasToolCallID(id string) bool {
	for _, tc := range m.ToolCalls {
		if tc.ID == id {
			return true
		}
	}
	return false
}
