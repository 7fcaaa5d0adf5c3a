package deploy

import (
	"context"
	"log/slog"

	"github.com/ficheops/control-plane/pkg/apperror"
	"github.com/ficheops/control-plane/pkg/logger"
)

// Service coordinates deployment creation, status reads, and rollback on top
// of the repository and the rollout loop.
type Service struct {
	repo     *Repository
	deployer *Deployer
	log      *slog.Logger
}

// NewService creates a deploy Service.
func NewService(repo *Repository, deployer *Deployer, log *slog.Logger) *Service {
	return &Service{repo: repo, deployer: deployer, log: log.With(logger.Scope("deploy"))}
}

// CreateRequest is the body of POST /api/deployments.
type CreateRequest struct {
	Image            string `json:"image"`
	MaxParallel      int    `json:"max_parallel,omitempty"`
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	DryRun           bool   `json:"dry_run,omitempty"`
	Force            bool   `json:"force,omitempty"`
}

// PlanRing is one ring of a dry-run plan.
type PlanRing struct {
	Ring      int      `json:"ring"`
	Instances []string `json:"instances"`
}

// Plan is the dry-run result: the targeted instances, without mutation.
type Plan struct {
	Image    string     `json:"image"`
	Targeted int        `json:"targeted"`
	Rings    []PlanRing `json:"rings"`
}

// StatusView is the GET /api/deployments/{id} response.
type StatusView struct {
	*Deployment
	Counts *StatusCounts `json:"counts"`
}

// Create validates and starts a deployment, or returns its dry-run plan.
// A non-terminal deployment anywhere rejects creation with a conflict; the
// force flag deliberately does not override that, since two concurrent
// rollouts over overlapping instances would corrupt instance state.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Deployment, *Plan, error) {
	if req.Image == "" {
		return nil, nil, apperror.ErrValidation.WithMessage("image is required")
	}
	if req.MaxParallel < 0 || req.FailureThreshold < 0 {
		return nil, nil, apperror.ErrValidation.WithMessage("max_parallel and failure_threshold must be positive")
	}
	if req.MaxParallel == 0 {
		req.MaxParallel = 1
	}
	if req.FailureThreshold == 0 {
		req.FailureThreshold = 1
	}

	instances, err := s.repo.ActiveInstancesByRing(ctx)
	if err != nil {
		return nil, nil, err
	}

	if req.DryRun {
		return nil, buildPlan(req.Image, instances), nil
	}

	if active, err := s.repo.ActiveDeployment(ctx); err != nil {
		return nil, nil, err
	} else if active != nil {
		return nil, nil, apperror.ErrConflict.WithMessage("another deployment is already in progress")
	}

	dep := &Deployment{
		Image:            req.Image,
		Status:           StatusPending,
		MaxParallel:      req.MaxParallel,
		FailureThreshold: req.FailureThreshold,
	}
	if err := s.repo.CreateDeployment(ctx, dep); err != nil {
		return nil, nil, err
	}

	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}
	if err := s.repo.LinkInstances(ctx, dep.ID, ids); err != nil {
		return nil, nil, err
	}

	go func() {
		// The rollout outlives the request.
		if err := s.deployer.Run(context.WithoutCancel(ctx), dep); err != nil {
			s.log.Error("rollout failed", slog.String("deployment_id", dep.ID), logger.Error(err))
		}
	}()

	return dep, nil, nil
}

// Status returns a deployment with its instance counts.
func (s *Service) Status(ctx context.Context, id string) (*StatusView, error) {
	dep, err := s.repo.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if dep == nil {
		return nil, apperror.NewNotFound("deployment", id)
	}
	counts, err := s.repo.Counts(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusView{Deployment: dep, Counts: counts}, nil
}

// List returns recent deployments.
func (s *Service) List(ctx context.Context) ([]*Deployment, error) {
	return s.repo.ListDeployments(ctx, 50)
}

// Rollback rolls a paused or failed deployment's failed instances back to
// their shared last healthy image.
func (s *Service) Rollback(ctx context.Context, id string) error {
	dep, err := s.repo.GetDeployment(ctx, id)
	if err != nil {
		return err
	}
	if dep == nil {
		return apperror.NewNotFound("deployment", id)
	}
	if dep.Status != StatusPaused && dep.Status != StatusFailed {
		return apperror.NewBadRequest("only paused or failed deployments can be rolled back")
	}

	if active, err := s.repo.ActiveDeployment(ctx); err != nil {
		return err
	} else if active != nil && active.ID != id {
		return apperror.ErrConflict.WithMessage("another deployment is in progress")
	}

	return s.deployer.RollbackFailed(ctx, dep)
}

// Deprovision retires an instance, rejected while the instance participates
// in a live deployment.
func (s *Service) Deprovision(ctx context.Context, instanceID string) error {
	return s.repo.BeginDeprovision(ctx, instanceID)
}

func buildPlan(image string, instances []*Instance) *Plan {
	plan := &Plan{Image: image, Targeted: len(instances)}
	for _, ring := range ringsInOrder(instances) {
		pr := PlanRing{Ring: ring[0].DeployRing}
		for _, inst := range ring {
			pr.Instances = append(pr.Instances, inst.Subdomain)
		}
		plan.Rings = append(plan.Rings, pr)
	}
	return plan
}
