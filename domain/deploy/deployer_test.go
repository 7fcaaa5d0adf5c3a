package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ficheops/control-plane/pkg/apperror"
	"github.com/ficheops/control-plane/pkg/logger"
)

// memStore is an in-memory Store.
type memStore struct {
	mu         sync.Mutex
	deployment *Deployment
	instances  []*Instance
}

func (m *memStore) UpdateDeploymentStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deployment.Status = status
	return nil
}

func (m *memStore) IncrementFailureCount(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deployment.FailureCount++
	return m.deployment.FailureCount, nil
}

func (m *memStore) InstancesForDeployment(ctx context.Context, deployID string) ([]*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Instance, len(m.instances))
	copy(out, m.instances)
	return out, nil
}

func (m *memStore) SetInstanceState(ctx context.Context, id, state string, deployErr *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.ID == id {
			inst.DeployState = state
			if deployErr != nil {
				inst.DeployError = deployErr
			}
		}
	}
	return nil
}

func (m *memStore) SetInstanceDeployed(ctx context.Context, id, image string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.ID == id {
			inst.DeployState = DeployStateSucceeded
			inst.CurrentImage = &image
			inst.LastHealthyImage = &image
		}
	}
	return nil
}

func (m *memStore) SetInstanceRolledBack(ctx context.Context, id, image, deployErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.ID == id {
			inst.DeployState = DeployStateRolledBack
			inst.CurrentImage = &image
			inst.DeployError = &deployErr
		}
	}
	return nil
}

func (m *memStore) MarkInstanceDown(ctx context.Context, id, deployErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.ID == id {
			inst.DeployState = DeployStateFailed
			inst.Status = InstanceFailed
			inst.DeployError = &deployErr
		}
	}
	return nil
}

func (m *memStore) SkipPendingInstances(ctx context.Context, deployID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, inst := range m.instances {
		if inst.DeployState == DeployStatePending {
			inst.DeployState = DeployStateSkipped
			out = append(out, inst.ID)
		}
	}
	return out, nil
}

func (m *memStore) instance(id string) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.ID == id {
			return inst
		}
	}
	return nil
}

// fakeProvisioner scripts pull/provision/health behavior.
type fakeProvisioner struct {
	mu          sync.Mutex
	pullErr     error
	healthErr   error
	healthyFor  map[string]bool // image → healthy; overrides healthErr when set
	provisioned []string
}

func (f *fakeProvisioner) PullImage(ctx context.Context, image string) error {
	return f.pullErr
}

func (f *fakeProvisioner) Provision(ctx context.Context, inst *Instance, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisioned = append(f.provisioned, fmt.Sprintf("%s:%s", inst.Subdomain, image))
	// Track what the instance would be running for the health check.
	inst.CurrentImage = &image
	return nil
}

func (f *fakeProvisioner) CheckHealth(ctx context.Context, inst *Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthyFor != nil && inst.CurrentImage != nil {
		if f.healthyFor[*inst.CurrentImage] {
			return nil
		}
		return errors.New("unhealthy")
	}
	return f.healthErr
}

func strptr(s string) *string { return &s }

func newDeploymentFixture(image string, maxParallel, threshold int, instances []*Instance) (*memStore, *Deployment) {
	dep := &Deployment{
		ID:               NewDeploymentID(time.Now()),
		Image:            image,
		Status:           StatusPending,
		MaxParallel:      maxParallel,
		FailureThreshold: threshold,
	}
	for _, inst := range instances {
		inst.DeployState = DeployStatePending
		inst.DeployID = &dep.ID
	}
	return &memStore{deployment: dep, instances: instances}, dep
}

func TestRolloutCompletesWhenAllHealthy(t *testing.T) {
	store, dep := newDeploymentFixture("img:v2", 2, 1, []*Instance{
		{ID: "i1", Subdomain: "a", ContainerName: "c-a", Status: InstanceActive, DeployRing: 0},
		{ID: "i2", Subdomain: "b", ContainerName: "c-b", Status: InstanceActive, DeployRing: 1},
		{ID: "i3", Subdomain: "c", ContainerName: "c-c", Status: InstanceActive, DeployRing: 1},
	})
	prov := &fakeProvisioner{}

	d := NewDeployer(store, prov, logger.NewLogger())
	require.NoError(t, d.Run(context.Background(), dep))

	assert.Equal(t, StatusCompleted, store.deployment.Status)
	for _, id := range []string{"i1", "i2", "i3"} {
		inst := store.instance(id)
		assert.Equal(t, DeployStateSucceeded, inst.DeployState)
		require.NotNil(t, inst.CurrentImage)
		assert.Equal(t, "img:v2", *inst.CurrentImage)
		assert.Equal(t, "img:v2", *inst.LastHealthyImage)
	}
	// Ring 0 deploys strictly before ring 1.
	assert.Equal(t, "a:img:v2", prov.provisioned[0])
}

func TestRolloutPausesAtFailureThresholdAndSkipsRemainder(t *testing.T) {
	store, dep := newDeploymentFixture("img:v2", 1, 2, []*Instance{
		{ID: "i1", Subdomain: "a", ContainerName: "c-a", Status: InstanceActive, DeployRing: 2},
		{ID: "i2", Subdomain: "b", ContainerName: "c-b", Status: InstanceActive, DeployRing: 2},
		{ID: "i3", Subdomain: "c", ContainerName: "c-c", Status: InstanceActive, DeployRing: 2},
	})
	prov := &fakeProvisioner{healthErr: errors.New("health always fails")}

	d := NewDeployer(store, prov, logger.NewLogger())
	require.NoError(t, d.Run(context.Background(), dep))

	assert.Equal(t, StatusPaused, store.deployment.Status)
	assert.Equal(t, 2, store.deployment.FailureCount)
	assert.Equal(t, DeployStateFailed, store.instance("i1").DeployState)
	assert.Equal(t, DeployStateFailed, store.instance("i2").DeployState)

	third := store.instance("i3")
	assert.Equal(t, DeployStateSkipped, third.DeployState)
	require.NotNil(t, third.DeployID)
	assert.Equal(t, dep.ID, *third.DeployID)
}

func TestFailedHealthRollsBackToLastHealthyImage(t *testing.T) {
	store, dep := newDeploymentFixture("img:v2", 1, 5, []*Instance{
		{ID: "i1", Subdomain: "a", ContainerName: "c-a", Status: InstanceActive, DeployRing: 0, LastHealthyImage: strptr("img:v1")},
	})
	prov := &fakeProvisioner{healthyFor: map[string]bool{"img:v1": true, "img:v2": false}}

	d := NewDeployer(store, prov, logger.NewLogger())
	require.NoError(t, d.Run(context.Background(), dep))

	inst := store.instance("i1")
	assert.Equal(t, DeployStateRolledBack, inst.DeployState)
	assert.Equal(t, "img:v1", *inst.CurrentImage)
	assert.Equal(t, 1, store.deployment.FailureCount)
	assert.Equal(t, StatusPaused, store.deployment.Status)
}

func TestNoRollbackWhenLastHealthyEqualsNewImage(t *testing.T) {
	store, dep := newDeploymentFixture("img:v2", 1, 5, []*Instance{
		{ID: "i1", Subdomain: "a", ContainerName: "c-a", Status: InstanceActive, DeployRing: 0, LastHealthyImage: strptr("img:v2")},
	})
	prov := &fakeProvisioner{healthErr: errors.New("unhealthy")}

	d := NewDeployer(store, prov, logger.NewLogger())
	require.NoError(t, d.Run(context.Background(), dep))

	inst := store.instance("i1")
	assert.Equal(t, DeployStateFailed, inst.DeployState)
	assert.Equal(t, InstanceFailed, inst.Status)
	// Only the failed deploy attempt; no rollback provision.
	assert.Len(t, prov.provisioned, 1)
}

func TestPullFailureSkipsAllAndFailsDeployment(t *testing.T) {
	store, dep := newDeploymentFixture("img:v2", 1, 1, []*Instance{
		{ID: "i1", Subdomain: "a", ContainerName: "c-a", Status: InstanceActive, DeployRing: 0},
		{ID: "i2", Subdomain: "b", ContainerName: "c-b", Status: InstanceActive, DeployRing: 1},
	})
	prov := &fakeProvisioner{pullErr: errors.New("registry unreachable")}

	d := NewDeployer(store, prov, logger.NewLogger())
	require.NoError(t, d.Run(context.Background(), dep))

	assert.Equal(t, StatusFailed, store.deployment.Status)
	assert.Equal(t, DeployStateSkipped, store.instance("i1").DeployState)
	assert.Equal(t, DeployStateSkipped, store.instance("i2").DeployState)
	assert.Empty(t, prov.provisioned)
}

func TestRollbackRejectsMixedLastHealthyImages(t *testing.T) {
	store, dep := newDeploymentFixture("img:v2", 1, 5, []*Instance{
		{ID: "i1", Subdomain: "a", ContainerName: "c-a", DeployRing: 0, LastHealthyImage: strptr("img:v0")},
		{ID: "i2", Subdomain: "b", ContainerName: "c-b", DeployRing: 0, LastHealthyImage: strptr("img:v1")},
	})
	store.instances[0].DeployState = DeployStateFailed
	store.instances[1].DeployState = DeployStateFailed
	dep.Status = StatusPaused

	d := NewDeployer(store, &fakeProvisioner{}, logger.NewLogger())
	err := d.RollbackFailed(context.Background(), dep)
	require.Error(t, err)

	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 400, appErr.HTTPStatus)
	assert.Contains(t, appErr.Message, "different")
}

func TestRollbackRestoresSharedLastHealthyImage(t *testing.T) {
	store, dep := newDeploymentFixture("img:v2", 1, 5, []*Instance{
		{ID: "i1", Subdomain: "a", ContainerName: "c-a", DeployRing: 0, LastHealthyImage: strptr("img:v1")},
		{ID: "i2", Subdomain: "b", ContainerName: "c-b", DeployRing: 0, LastHealthyImage: strptr("img:v1")},
	})
	store.instances[0].DeployState = DeployStateFailed
	store.instances[1].DeployState = DeployStateFailed
	dep.Status = StatusPaused

	prov := &fakeProvisioner{healthyFor: map[string]bool{"img:v1": true}}
	d := NewDeployer(store, prov, logger.NewLogger())
	require.NoError(t, d.RollbackFailed(context.Background(), dep))

	assert.Equal(t, DeployStateRolledBack, store.instance("i1").DeployState)
	assert.Equal(t, DeployStateRolledBack, store.instance("i2").DeployState)
}

func TestDeploymentIDsDoNotCollide(t *testing.T) {
	now := time.Now()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewDeploymentID(now)
		assert.False(t, seen[id], "duplicate deployment id %s", id)
		seen[id] = true
	}
}

func TestBuildPlanGroupsByRingWithoutMutation(t *testing.T) {
	instances := []*Instance{
		{ID: "i1", Subdomain: "a", DeployRing: 0, DeployState: DeployStateIdle},
		{ID: "i2", Subdomain: "b", DeployRing: 1, DeployState: DeployStateIdle},
		{ID: "i3", Subdomain: "c", DeployRing: 1, DeployState: DeployStateIdle},
	}
	plan := buildPlan("img:v2", instances)

	assert.Equal(t, 3, plan.Targeted)
	require.Len(t, plan.Rings, 2)
	assert.Equal(t, 0, plan.Rings[0].Ring)
	assert.Equal(t, []string{"a"}, plan.Rings[0].Instances)
	assert.Equal(t, []string{"b", "c"}, plan.Rings[1].Instances)
	for _, inst := range instances {
		assert.Equal(t, DeployStateIdle, inst.DeployState)
		assert.Nil(t, inst.DeployID)
	}
}
