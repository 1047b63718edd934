package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fleetd/backend/app/dto"
	"fleetd/backend/app/models"
	"fleetd/backend/app/repo"

	"github.com/rs/zerolog"
)

const maxMutateAttempts = 5

type DeviceService struct {
	devices *repo.DeviceRepository
	log     zerolog.Logger
}

func NewDeviceService(devices *repo.DeviceRepository, log zerolog.Logger) *DeviceService {
	return &DeviceService{devices: devices, log: log.With().Str("component", "devices").Logger()}
}

// Register stores a new device as offline; its real status is learned by
// the first reconciliation.
func (s *DeviceService) Register(ctx context.Context, req dto.RegisterDeviceRequest) (*models.Device, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	mode := req.Mode
	if mode == "" {
		mode = models.ModeNetwork
	}
	address := strings.TrimSpace(req.Address)
	switch mode {
	case models.ModeNetwork:
		if address == "" {
			return nil, fmt.Errorf("%w: network devices need an address", ErrValidation)
		}
	case models.ModeLocalSerial:
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrValidation, mode)
	}
	d := &models.Device{Name: name, Mode: mode, Address: address, Status: models.DeviceOffline}
	if err := s.devices.Create(ctx, d); err != nil {
		return nil, err
	}
	s.log.Info().Str("device", d.ID).Str("mode", string(mode)).Msg("device registered")
	return d, nil
}

func (s *DeviceService) Get(ctx context.Context, id string) (*models.Device, error) {
	d, err := s.devices.FindByID(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err, "device", id)
	}
	return d, nil
}

func (s *DeviceService) List(ctx context.Context) ([]models.Device, error) {
	return s.devices.ListAll(ctx)
}

// Delete removes a device that is not running a deployment.
func (s *DeviceService) Delete(ctx context.Context, id string) error {
	for attempt := 1; attempt <= maxMutateAttempts; attempt++ {
		current, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if current.Status == models.DeviceBusy {
			return fmt.Errorf("%w: device %s is busy", ErrPrecondition, id)
		}
		ok, err := s.devices.DeleteIfVersion(ctx, id, current.Version)
		if err != nil {
			return err
		}
		if ok {
			s.log.Info().Str("device", id).Msg("device deleted")
			return nil
		}
	}
	return fmt.Errorf("delete device %s: %w", id, ErrConflict)
}

// Mutate loads the device, applies fn and writes the result only if nobody
// else wrote in between, retrying with a fresh copy on conflict. If fn
// returns ErrSkip nothing is written and the current record is returned
// together with ErrSkip.
func (s *DeviceService) Mutate(ctx context.Context, id string, fn func(d *models.Device) error) (*models.Device, error) {
	for attempt := 1; attempt <= maxMutateAttempts; attempt++ {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrSkip) {
				return current, err
			}
			return nil, err
		}
		ok, err := s.devices.CompareAndSwap(ctx, next)
		if err != nil {
			return nil, err
		}
		if ok {
			return next, nil
		}
		s.log.Debug().Str("device", id).Int("attempt", attempt).Msg("device write conflict, retrying")
	}
	return nil, fmt.Errorf("device %s: %w", id, ErrConflict)
}
