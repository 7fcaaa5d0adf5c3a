package deploy

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/ficheops/control-plane/pkg/apperror"
)

// Repository persists deployments and instances.
type Repository struct {
	db bun.IDB
}

// NewRepository creates a deploy Repository.
func NewRepository(db bun.IDB) *Repository {
	return &Repository{db: db}
}

// ActiveDeployment returns the single non-terminal deployment, or nil.
func (r *Repository) ActiveDeployment(ctx context.Context) (*Deployment, error) {
	d := new(Deployment)
	err := r.db.NewSelect().Model(d).
		Where("status IN (?, ?, ?)", StatusPending, StatusInProgress, StatusPaused).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return d, nil
}

// CreateDeployment inserts a new pending deployment. The partial unique index
// on non-terminal status turns a concurrent second creation into a conflict.
func (r *Repository) CreateDeployment(ctx context.Context, d *Deployment) error {
	if d.ID == "" {
		d.ID = NewDeploymentID(time.Now())
	}
	if _, err := r.db.NewInsert().Model(d).Returning("*").Exec(ctx); err != nil {
		if strings.Contains(err.Error(), "deployments_single_active_idx") {
			return apperror.ErrConflict.WithMessage("another deployment is already in progress")
		}
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// GetDeployment returns a deployment by id, or nil.
func (r *Repository) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	d := new(Deployment)
	err := r.db.NewSelect().Model(d).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return d, nil
}

// ListDeployments returns deployments, most recent first.
func (r *Repository) ListDeployments(ctx context.Context, limit int) ([]*Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	var ds []*Deployment
	err := r.db.NewSelect().Model(&ds).Order("created_at DESC").Limit(limit).Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return ds, nil
}

// UpdateDeploymentStatus moves a deployment to status.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, id, status string) error {
	_, err := r.db.NewUpdate().Model((*Deployment)(nil)).
		Set("status = ?", status).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// IncrementFailureCount bumps a deployment's failure counter atomically and
// returns the new value.
func (r *Repository) IncrementFailureCount(ctx context.Context, id string) (int, error) {
	var count int
	err := r.db.NewRaw(`
		UPDATE core.deployments
		SET failure_count = failure_count + 1, updated_at = now()
		WHERE id = ?
		RETURNING failure_count
	`, id).Scan(ctx, &count)
	if err != nil {
		return 0, apperror.ErrDatabase.WithInternal(err)
	}
	return count, nil
}

// ActiveInstancesByRing returns all active instances ordered by ascending
// deploy ring, then subdomain for stable cohorts.
func (r *Repository) ActiveInstancesByRing(ctx context.Context) ([]*Instance, error) {
	var is []*Instance
	err := r.db.NewSelect().Model(&is).
		Where("status = ?", InstanceActive).
		Order("deploy_ring ASC", "subdomain ASC").
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return is, nil
}

// LinkInstances attaches the targeted instances to a deployment in pending
// state.
func (r *Repository) LinkInstances(ctx context.Context, deployID string, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	_, err := r.db.NewUpdate().Model((*Instance)(nil)).
		Set("deploy_id = ?", deployID).
		Set("deploy_state = ?", DeployStatePending).
		Set("deploy_error = NULL").
		Set("updated_at = now()").
		Where("id IN (?)", bun.In(instanceIDs)).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// InstancesForDeployment returns the instances linked to a deployment,
// ring-ordered.
func (r *Repository) InstancesForDeployment(ctx context.Context, deployID string) ([]*Instance, error) {
	var is []*Instance
	err := r.db.NewSelect().Model(&is).
		Where("deploy_id = ?", deployID).
		Order("deploy_ring ASC", "subdomain ASC").
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return is, nil
}

// SetInstanceState moves an instance's deploy_state, optionally recording the
// deploy error.
func (r *Repository) SetInstanceState(ctx context.Context, id, state string, deployErr *string) error {
	q := r.db.NewUpdate().Model((*Instance)(nil)).
		Set("deploy_state = ?", state).
		Set("updated_at = now()").
		Where("id = ?", id)
	if deployErr != nil {
		q = q.Set("deploy_error = ?", *deployErr)
	}
	if _, err := q.Exec(ctx); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// SetInstanceDeployed records a successful deploy: state succeeded, both
// image fields advanced, health stamped.
func (r *Repository) SetInstanceDeployed(ctx context.Context, id, image string) error {
	_, err := r.db.NewUpdate().Model((*Instance)(nil)).
		Set("deploy_state = ?", DeployStateSucceeded).
		Set("current_image = ?", image).
		Set("last_healthy_image = ?", image).
		Set("deploy_error = NULL").
		Set("last_health_at = now()").
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// SetInstanceRolledBack records a successful rollback to the previous healthy
// image after a failed deploy.
func (r *Repository) SetInstanceRolledBack(ctx context.Context, id, image, deployErr string) error {
	_, err := r.db.NewUpdate().Model((*Instance)(nil)).
		Set("deploy_state = ?", DeployStateRolledBack).
		Set("current_image = ?", image).
		Set("deploy_error = ?", deployErr).
		Set("last_health_at = now()").
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// MarkInstanceDown records a deploy failure that left the instance unhealthy:
// deploy_state failed and the instance itself marked down.
func (r *Repository) MarkInstanceDown(ctx context.Context, id, deployErr string) error {
	_, err := r.db.NewUpdate().Model((*Instance)(nil)).
		Set("deploy_state = ?", DeployStateFailed).
		Set("status = ?", InstanceFailed).
		Set("deploy_error = ?", deployErr).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// SkipPendingInstances marks every still-pending instance of a deployment as
// skipped, keeping the deploy_id link.
func (r *Repository) SkipPendingInstances(ctx context.Context, deployID string) ([]string, error) {
	var ids []string
	err := r.db.NewRaw(`
		UPDATE core.instances
		SET deploy_state = 'skipped', updated_at = now()
		WHERE deploy_id = ? AND deploy_state = 'pending'
		RETURNING id
	`, deployID).Scan(ctx, &ids)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return ids, nil
}

// Counts returns the deploy_state breakdown for a deployment's instances.
func (r *Repository) Counts(ctx context.Context, deployID string) (*StatusCounts, error) {
	c := &StatusCounts{}
	err := r.db.NewRaw(`
		SELECT
			COUNT(*) FILTER (WHERE deploy_state = 'pending') AS pending,
			COUNT(*) FILTER (WHERE deploy_state = 'deploying') AS deploying,
			COUNT(*) FILTER (WHERE deploy_state = 'succeeded') AS succeeded,
			COUNT(*) FILTER (WHERE deploy_state = 'failed') AS failed,
			COUNT(*) FILTER (WHERE deploy_state = 'rolled_back') AS rolled_back,
			COUNT(*) FILTER (WHERE deploy_state = 'skipped') AS skipped
		FROM core.instances WHERE deploy_id = ?
	`, deployID).Scan(ctx, &c.Pending, &c.Deploying, &c.Succeeded, &c.Failed, &c.RolledBack, &c.Skipped)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return c, nil
}

// GetInstance returns an instance by id, or nil.
func (r *Repository) GetInstance(ctx context.Context, id string) (*Instance, error) {
	i := new(Instance)
	err := r.db.NewSelect().Model(i).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return i, nil
}

// BeginDeprovision flips an instance to deprovisioning. Rejected while the
// instance is pending or deploying under a live deployment.
func (r *Repository) BeginDeprovision(ctx context.Context, id string) error {
	inst, err := r.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst == nil {
		return apperror.NewNotFound("instance", id)
	}
	if inst.DeployState == DeployStatePending || inst.DeployState == DeployStateDeploying {
		if inst.DeployID != nil {
			d, err := r.GetDeployment(ctx, *inst.DeployID)
			if err != nil {
				return err
			}
			if d != nil && IsNonTerminalStatus(d.Status) {
				return apperror.ErrConflict.WithMessage("instance is part of an active deployment")
			}
		}
	}
	_, err = r.db.NewUpdate().Model((*Instance)(nil)).
		Set("status = ?", InstanceDeprovisioning).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// PauseOrphanedDeployments pauses deployments found pending or in_progress at
// startup, for the recovery pass.
func (r *Repository) PauseOrphanedDeployments(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.NewRaw(`
		UPDATE core.deployments
		SET status = 'paused', updated_at = now()
		WHERE status IN ('pending', 'in_progress')
		RETURNING id
	`).Scan(ctx, &ids)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return ids, nil
}

// FailDeployingInstances fails instances caught mid-deploy at startup, for
// the recovery pass.
func (r *Repository) FailDeployingInstances(ctx context.Context, errMsg string) ([]string, error) {
	var ids []string
	err := r.db.NewRaw(`
		UPDATE core.instances
		SET deploy_state = 'failed', deploy_error = ?, updated_at = now()
		WHERE deploy_state = 'deploying'
		RETURNING id
	`, errMsg).Scan(ctx, &ids)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return ids, nil
}
