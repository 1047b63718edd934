package repo

import (
	"context"

	"fleetd/backend/app/models"

	"gorm.io/gorm"
)

type PayloadRepository struct{ db *gorm.DB }

func NewPayloadRepository(db *gorm.DB) *PayloadRepository { return &PayloadRepository{db: db} }

func (r *PayloadRepository) Create(ctx context.Context, p *models.Payload) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *PayloadRepository) FindByID(ctx context.Context, id string) (*models.Payload, error) {
	var p models.Payload
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}
