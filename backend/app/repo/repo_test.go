package repo

import (
	"context"
	"path/filepath"
	"testing"

	"fleetd/backend/app/db"
	"fleetd/backend/app/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect(db.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "repo.db")})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	return gdb
}

func TestDeviceCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	devices := NewDeviceRepository(openTestDB(t))

	d := &models.Device{Name: "bench-1", Address: "10.0.0.5"}
	require.NoError(t, devices.Create(ctx, d))
	require.NotEmpty(t, d.ID)
	assert.Equal(t, models.DeviceOffline, d.Status)

	first, err := devices.FindByID(ctx, d.ID)
	require.NoError(t, err)
	stale, err := devices.FindByID(ctx, d.ID)
	require.NoError(t, err)

	first.Status = models.DeviceOnline
	ok, err := devices.CompareAndSwap(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), first.Version)

	stale.Status = models.DeviceError
	ok, err = devices.CompareAndSwap(ctx, stale)
	require.NoError(t, err)
	assert.False(t, ok, "stale version must not overwrite")

	got, err := devices.FindByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceOnline, got.Status)
}

func TestDeviceDeleteHidesRecord(t *testing.T) {
	ctx := context.Background()
	devices := NewDeviceRepository(openTestDB(t))
	d := &models.Device{Name: "gone"}
	require.NoError(t, devices.Create(ctx, d))

	ok, err := devices.DeleteIfVersion(ctx, d.ID, d.Version+1)
	require.NoError(t, err)
	assert.False(t, ok, "stale version must not delete")

	ok, err = devices.DeleteIfVersion(ctx, d.ID, d.Version)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = devices.FindByID(ctx, d.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	ok, err = devices.DeleteIfVersion(ctx, d.ID, d.Version)
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := devices.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDeploymentTransitionIsConditional(t *testing.T) {
	ctx := context.Background()
	deployments := NewDeploymentRepository(openTestDB(t))
	d := &models.Deployment{PayloadID: "p", DeviceID: "d"}
	require.NoError(t, deployments.Create(ctx, d))
	assert.Equal(t, models.DeploymentPending, d.Status)

	ok, err := deployments.Transition(ctx, d.ID, models.DeploymentPending, models.DeploymentExecuting, nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = deployments.Transition(ctx, d.ID, models.DeploymentExecuting, models.DeploymentCompleted, []byte(`{"success":true}`))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = deployments.Transition(ctx, d.ID, models.DeploymentExecuting, models.DeploymentFailed, []byte(`{"success":false}`))
	require.NoError(t, err)
	assert.False(t, ok, "second terminal write must be rejected")

	got, err := deployments.FindByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentCompleted, got.Status)
	assert.JSONEq(t, `{"success":true}`, string(got.Result))
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)
}

func TestDeploymentTransitionRejectsIllegalPairs(t *testing.T) {
	ctx := context.Background()
	deployments := NewDeploymentRepository(openTestDB(t))
	d := &models.Deployment{PayloadID: "p", DeviceID: "d"}
	require.NoError(t, deployments.Create(ctx, d))

	for _, to := range []models.DeploymentStatus{models.DeploymentCompleted, models.DeploymentFailed} {
		ok, err := deployments.Transition(ctx, d.ID, models.DeploymentPending, to, nil)
		assert.ErrorIs(t, err, ErrIllegalTransition)
		assert.False(t, ok)
	}
	_, err := deployments.Transition(ctx, d.ID, models.DeploymentCompleted, models.DeploymentExecuting, nil)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	got, err := deployments.FindByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentPending, got.Status)
	assert.Nil(t, got.FinishedAt)
}
