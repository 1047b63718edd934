package services

import (
	"context"
	"fmt"
	"strings"

	"fleetd/backend/app/dto"
	"fleetd/backend/app/models"
	"fleetd/backend/app/repo"
)

type PayloadService struct{ payloads *repo.PayloadRepository }

func NewPayloadService(payloads *repo.PayloadRepository) *PayloadService {
	return &PayloadService{payloads: payloads}
}

func (s *PayloadService) Create(ctx context.Context, req dto.CreatePayloadRequest) (*models.Payload, error) {
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Script) == "" {
		return nil, fmt.Errorf("%w: name and script are required", ErrValidation)
	}
	p := &models.Payload{Name: strings.TrimSpace(req.Name), Description: req.Description, Script: req.Script}
	if err := s.payloads.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PayloadService) Get(ctx context.Context, id string) (*models.Payload, error) {
	p, err := s.payloads.FindByID(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err, "payload", id)
	}
	return p, nil
}
