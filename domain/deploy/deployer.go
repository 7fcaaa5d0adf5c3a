package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ficheops/control-plane/pkg/apperror"
	"github.com/ficheops/control-plane/pkg/logger"
)

// Store is the persistence surface the rollout loop drives. Satisfied by
// *Repository; tests substitute an in-memory fake.
type Store interface {
	UpdateDeploymentStatus(ctx context.Context, id, status string) error
	IncrementFailureCount(ctx context.Context, id string) (int, error)
	InstancesForDeployment(ctx context.Context, deployID string) ([]*Instance, error)
	SetInstanceState(ctx context.Context, id, state string, deployErr *string) error
	SetInstanceDeployed(ctx context.Context, id, image string) error
	SetInstanceRolledBack(ctx context.Context, id, image, deployErr string) error
	MarkInstanceDown(ctx context.Context, id, deployErr string) error
	SkipPendingInstances(ctx context.Context, deployID string) ([]string, error)
}

// Provisioner provisions containers on the data plane. Satisfied by the
// Docker Engine implementation; tests substitute fakes.
type Provisioner interface {
	PullImage(ctx context.Context, image string) error
	Provision(ctx context.Context, inst *Instance, image string) error
	CheckHealth(ctx context.Context, inst *Instance) error
}

// Deployer drives one deployment's rollout across its ringed instances.
type Deployer struct {
	store       Store
	provisioner Provisioner
	log         *slog.Logger
}

// NewDeployer creates a Deployer.
func NewDeployer(store Store, provisioner Provisioner, log *slog.Logger) *Deployer {
	return &Deployer{store: store, provisioner: provisioner, log: log.With(logger.Scope("deploy"))}
}

// Run executes the rollout: rings in ascending order, cohorts of
// max_parallel within each ring, failure budget enforced across the whole
// deployment. The deployment row must already be linked to its instances.
func (d *Deployer) Run(ctx context.Context, dep *Deployment) error {
	if err := d.store.UpdateDeploymentStatus(ctx, dep.ID, StatusInProgress); err != nil {
		return err
	}

	if err := d.provisioner.PullImage(ctx, dep.Image); err != nil {
		d.log.Error("image pull failed", slog.String("deployment_id", dep.ID), logger.Error(err))
		if _, serr := d.store.SkipPendingInstances(ctx, dep.ID); serr != nil {
			d.log.Error("skip instances after pull failure", logger.Error(serr))
		}
		return d.store.UpdateDeploymentStatus(ctx, dep.ID, StatusFailed)
	}

	instances, err := d.store.InstancesForDeployment(ctx, dep.ID)
	if err != nil {
		return err
	}

	var (
		mu          sync.Mutex
		budgetSpent bool
	)
	overBudget := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return budgetSpent
	}
	recordFailure := func() {
		count, err := d.store.IncrementFailureCount(ctx, dep.ID)
		if err != nil {
			d.log.Error("increment failure count", logger.Error(err))
			return
		}
		if count >= dep.FailureThreshold {
			mu.Lock()
			budgetSpent = true
			mu.Unlock()
		}
	}

	for _, ring := range ringsInOrder(instances) {
		if overBudget() {
			break
		}
		for _, cohort := range cohorts(ring, dep.MaxParallel) {
			if overBudget() {
				break
			}
			var wg sync.WaitGroup
			for _, inst := range cohort {
				wg.Add(1)
				go func(inst *Instance) {
					defer wg.Done()
					if !d.deployOne(ctx, dep, inst) {
						recordFailure()
					}
				}(inst)
			}
			wg.Wait()
		}
	}

	if overBudget() {
		if _, err := d.store.SkipPendingInstances(ctx, dep.ID); err != nil {
			d.log.Error("skip remaining instances", logger.Error(err))
		}
		return d.store.UpdateDeploymentStatus(ctx, dep.ID, StatusPaused)
	}

	// Any failure below the threshold still leaves the deployment paused so
	// an operator can roll back; only an all-green rollout completes.
	fresh, err := d.store.InstancesForDeployment(ctx, dep.ID)
	if err != nil {
		return err
	}
	final := StatusCompleted
	for _, inst := range fresh {
		if inst.DeployState != DeployStateSucceeded {
			final = StatusPaused
			break
		}
	}
	return d.store.UpdateDeploymentStatus(ctx, dep.ID, final)
}

// deployOne provisions a single instance and reports whether it succeeded.
// On health failure it attempts a rollback to the previous healthy image when
// one exists and differs from the new image; otherwise the instance is marked
// down directly.
func (d *Deployer) deployOne(ctx context.Context, dep *Deployment, inst *Instance) bool {
	if err := d.store.SetInstanceState(ctx, inst.ID, DeployStateDeploying, nil); err != nil {
		d.log.Error("set instance deploying", slog.String("instance_id", inst.ID), logger.Error(err))
		return false
	}

	deployErr := d.provisionAndCheck(ctx, inst, dep.Image)
	if deployErr == nil {
		if err := d.store.SetInstanceDeployed(ctx, inst.ID, dep.Image); err != nil {
			d.log.Error("record instance success", slog.String("instance_id", inst.ID), logger.Error(err))
		}
		return true
	}

	msg := deployErr.Error()
	d.log.Warn("instance deploy failed",
		slog.String("instance_id", inst.ID),
		slog.String("image", dep.Image),
		logger.Error(deployErr),
	)

	if inst.LastHealthyImage == nil || *inst.LastHealthyImage == dep.Image {
		_ = d.store.MarkInstanceDown(ctx, inst.ID, msg)
		return false
	}

	if rbErr := d.provisionAndCheck(ctx, inst, *inst.LastHealthyImage); rbErr != nil {
		_ = d.store.MarkInstanceDown(ctx, inst.ID, fmt.Sprintf("%s; rollback failed: %s", msg, rbErr))
		return false
	}
	_ = d.store.SetInstanceRolledBack(ctx, inst.ID, *inst.LastHealthyImage, msg)
	return false
}

func (d *Deployer) provisionAndCheck(ctx context.Context, inst *Instance, image string) error {
	if err := d.provisioner.Provision(ctx, inst, image); err != nil {
		return fmt.Errorf("provision: %w", err)
	}
	if err := d.provisioner.CheckHealth(ctx, inst); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

// RollbackFailed rolls every failed instance of a paused/failed deployment
// back to its last healthy image. All failed instances must share the same
// last healthy image; mixed fleets need per-instance operator action.
func (d *Deployer) RollbackFailed(ctx context.Context, dep *Deployment) error {
	instances, err := d.store.InstancesForDeployment(ctx, dep.ID)
	if err != nil {
		return err
	}

	var failed []*Instance
	for _, inst := range instances {
		if inst.DeployState == DeployStateFailed {
			failed = append(failed, inst)
		}
	}
	if len(failed) == 0 {
		return apperror.NewBadRequest("no failed instances to roll back")
	}

	var target string
	for _, inst := range failed {
		if inst.LastHealthyImage == nil {
			return apperror.NewBadRequest("failed instances have different last healthy images")
		}
		if target == "" {
			target = *inst.LastHealthyImage
			continue
		}
		if *inst.LastHealthyImage != target {
			return apperror.NewBadRequest("failed instances have different last healthy images")
		}
	}

	for _, inst := range failed {
		if err := d.provisionAndCheck(ctx, inst, target); err != nil {
			_ = d.store.MarkInstanceDown(ctx, inst.ID, "rollback failed: "+err.Error())
			continue
		}
		_ = d.store.SetInstanceRolledBack(ctx, inst.ID, target, "rolled back by operator")
	}
	return nil
}

// ringsInOrder groups instances by deploy ring, preserving ascending order.
// Input must already be ring-sorted, as the repository returns it.
func ringsInOrder(instances []*Instance) [][]*Instance {
	var out [][]*Instance
	for _, inst := range instances {
		if n := len(out); n > 0 && out[n-1][0].DeployRing == inst.DeployRing {
			out[n-1] = append(out[n-1], inst)
			continue
		}
		out = append(out, []*Instance{inst})
	}
	return out
}

// cohorts chunks a ring into groups of at most size.
func cohorts(ring []*Instance, size int) [][]*Instance {
	if size <= 0 {
		size = 1
	}
	var out [][]*Instance
	for start := 0; start < len(ring); start += size {
		end := start + size
		if end > len(ring) {
			end = len(ring)
		}
		out = append(out, ring[start:end])
	}
	return out
}
