// Package runnerhosts manages the enrollment and credentials of external
// runner hosts: single-use enrollment tokens, registration, and secret
// rotation. Command dispatch to enrolled hosts lives with the courses
// domain's RunnerJob rows.
package runnerhosts

import (
	"time"

	"github.com/uptrace/bun"
)

// RunnerHost status values.
const (
	StatusOffline = "offline"
	StatusOnline  = "online"
	StatusRevoked = "revoked"
)

// RunnerHost is an external host enrolled to execute shell commands on the
// platform's behalf. The secret is stored only as a hash; the plaintext is
// returned exactly once at registration or rotation.
type RunnerHost struct {
	bun.BaseModel `bun:"table:core.runner_hosts,alias:rh"`

	ID         string            `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	Name       string            `bun:"name,notnull" json:"name"`
	Labels     map[string]string `bun:"labels,type:jsonb,notnull,default:'{}'" json:"labels"`
	Metadata   map[string]any    `bun:"metadata,type:jsonb,notnull,default:'{}'" json:"metadata"`
	SecretHash string            `bun:"secret_hash,notnull" json:"-"`
	Status     string            `bun:"status,notnull,default:'offline'" json:"status"`
	CreatedAt  time.Time         `bun:"created_at,notnull,default:now()" json:"created_at"`
	UpdatedAt  time.Time         `bun:"updated_at,notnull,default:now()" json:"updated_at"`
}

// EnrollmentToken is a single-use, time-limited credential for registering a
// runner host. Only the salted hash of the token's secret half is stored.
type EnrollmentToken struct {
	bun.BaseModel `bun:"table:core.enrollment_tokens,alias:et"`

	ID                 string     `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	SecretHash         string     `bun:"secret_hash,notnull" json:"-"`
	ExpiresAt          time.Time  `bun:"expires_at,notnull" json:"expires_at"`
	UsedAt             *time.Time `bun:"used_at" json:"used_at,omitempty"`
	UsedByRunnerHostID *string    `bun:"used_by_runner_host_id" json:"used_by_runner_host_id,omitempty"`
	CreatedAt          time.Time  `bun:"created_at,notnull,default:now()" json:"created_at"`
}
