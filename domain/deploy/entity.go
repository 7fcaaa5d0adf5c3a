// Package deploy implements the rolling deployer: failure-budget-gated image
// rollouts across ringed data-plane instances, with per-instance rollback.
package deploy

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// Deployment status values. Terminal = {completed, failed}; paused can be
// rolled back but never resumes.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusPaused     = "paused"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Instance deploy_state values.
const (
	DeployStateIdle       = "idle"
	DeployStatePending    = "pending"
	DeployStateDeploying  = "deploying"
	DeployStateSucceeded  = "succeeded"
	DeployStateFailed     = "failed"
	DeployStateRolledBack = "rolled_back"
	DeployStateSkipped    = "skipped"
)

// Instance status values.
const (
	InstanceActive         = "active"
	InstanceFailed         = "failed"
	InstanceDeprovisioning = "deprovisioning"
)

// IsTerminalStatus reports whether a deployment admits no further work.
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// IsNonTerminalStatus reports whether a deployment still blocks new rollouts.
func IsNonTerminalStatus(status string) bool {
	return status == StatusPending || status == StatusInProgress || status == StatusPaused
}

// NewDeploymentID generates a deployment id with enough random suffix that
// concurrent generations do not collide.
func NewDeploymentID(now time.Time) string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("deploy-%s-%s", now.UTC().Format("20060102-150405"), hex.EncodeToString(b))
}

// Deployment is one rollout of a container image across the fleet.
type Deployment struct {
	bun.BaseModel `bun:"table:core.deployments,alias:d"`

	ID               string    `bun:"id,pk" json:"id"`
	Image            string    `bun:"image,notnull" json:"image"`
	Status           string    `bun:"status,notnull,default:'pending'" json:"status"`
	MaxParallel      int       `bun:"max_parallel,notnull,default:1" json:"max_parallel"`
	FailureThreshold int       `bun:"failure_threshold,notnull,default:1" json:"failure_threshold"`
	FailureCount     int       `bun:"failure_count,notnull,default:0" json:"failure_count"`
	CreatedAt        time.Time `bun:"created_at,notnull,default:now()" json:"created_at"`
	UpdatedAt        time.Time `bun:"updated_at,notnull,default:now()" json:"updated_at"`
}

// Instance is a data-plane container hosting a tenant.
type Instance struct {
	bun.BaseModel `bun:"table:core.instances,alias:i"`

	ID               string     `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	Subdomain        string     `bun:"subdomain,notnull" json:"subdomain"`
	ContainerName    string     `bun:"container_name,notnull" json:"container_name"`
	Status           string     `bun:"status,notnull,default:'active'" json:"status"`
	DeployRing       int        `bun:"deploy_ring,notnull,default:0" json:"deploy_ring"`
	DeployState      string     `bun:"deploy_state,notnull,default:'idle'" json:"deploy_state"`
	CurrentImage     *string    `bun:"current_image" json:"current_image,omitempty"`
	LastHealthyImage *string    `bun:"last_healthy_image" json:"last_healthy_image,omitempty"`
	DeployID         *string    `bun:"deploy_id" json:"deploy_id,omitempty"`
	DeployError      *string    `bun:"deploy_error" json:"deploy_error,omitempty"`
	LastHealthAt     *time.Time `bun:"last_health_at" json:"last_health_at,omitempty"`
	CreatedAt        time.Time  `bun:"created_at,notnull,default:now()" json:"created_at"`
	UpdatedAt        time.Time  `bun:"updated_at,notnull,default:now()" json:"updated_at"`
}

// StatusCounts summarizes a deployment's instances by deploy_state.
type StatusCounts struct {
	Pending    int `json:"pending"`
	Deploying  int `json:"in_progress"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	RolledBack int `json:"rolled_back"`
	Skipped    int `json:"skipped"`
}
