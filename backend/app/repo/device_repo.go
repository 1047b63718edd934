package repo

import (
	"context"
	"errors"

	"fleetd/backend/app/models"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("record not found")

type DeviceRepository struct{ db *gorm.DB }

func NewDeviceRepository(db *gorm.DB) *DeviceRepository { return &DeviceRepository{db: db} }

func (r *DeviceRepository) Create(ctx context.Context, d *models.Device) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *DeviceRepository) FindByID(ctx context.Context, id string) (*models.Device, error) {
	var d models.Device
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// ListAll returns every device that has not been deleted.
func (r *DeviceRepository) ListAll(ctx context.Context) ([]models.Device, error) {
	var out []models.Device
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// CompareAndSwap writes the mutable fields of d only if the stored version
// still equals d.Version. On success d.Version is advanced.
func (r *DeviceRepository) CompareAndSwap(ctx context.Context, d *models.Device) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Device{}).
		Where("id = ? AND version = ?", d.ID, d.Version).
		Updates(map[string]any{
			"name":            d.Name,
			"address":         d.Address,
			"status":          d.Status,
			"last_seen":       d.LastSeen,
			"battery_level":   d.BatteryLevel,
			"signal_strength": d.SignalStrength,
			"errors":          d.Errors,
			"version":         d.Version + 1,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	d.Version++
	return true, nil
}

// DeleteIfVersion soft-deletes the device only if its stored version still
// equals version. It reports whether the row was deleted.
func (r *DeviceRepository) DeleteIfVersion(ctx context.Context, id string, version uint64) (bool, error) {
	res := r.db.WithContext(ctx).Where("id = ? AND version = ?", id, version).Delete(&models.Device{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
