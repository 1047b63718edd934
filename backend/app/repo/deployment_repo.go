package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetd/backend/app/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrIllegalTransition is returned for a status change the deployment state
// machine does not allow.
var ErrIllegalTransition = errors.New("illegal deployment transition")

type DeploymentRepository struct{ db *gorm.DB }

func NewDeploymentRepository(db *gorm.DB) *DeploymentRepository {
	return &DeploymentRepository{db: db}
}

func (r *DeploymentRepository) Create(ctx context.Context, d *models.Deployment) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *DeploymentRepository) FindByID(ctx context.Context, id string) (*models.Deployment, error) {
	var d models.Deployment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// ListByDevice returns the deployments of one device, newest first.
func (r *DeploymentRepository) ListByDevice(ctx context.Context, deviceID string) ([]models.Deployment, error) {
	var out []models.Deployment
	if err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Transition moves a deployment from one status to another only if it is
// still in from. result is stored only when non-nil. It reports whether the
// row was updated. Pairs rejected by CanTransition never reach the database.
func (r *DeploymentRepository) Transition(ctx context.Context, id string, from, to models.DeploymentStatus, result datatypes.JSON) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("deployment %s %s -> %s: %w", id, from, to, ErrIllegalTransition)
	}
	now := time.Now()
	updates := map[string]any{"status": to}
	if to == models.DeploymentExecuting {
		updates["started_at"] = now
	}
	if to.Terminal() {
		updates["finished_at"] = now
	}
	if result != nil {
		updates["result"] = result
	}
	res := r.db.WithContext(ctx).Model(&models.Deployment{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListUnfinished returns deployments that never reached a terminal status.
func (r *DeploymentRepository) ListUnfinished(ctx context.Context) ([]models.Deployment, error) {
	var out []models.Deployment
	err := r.db.WithContext(ctx).
		Where("status NOT IN ?", []models.DeploymentStatus{models.DeploymentCompleted, models.DeploymentFailed}).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
