package services

import (
	"errors"
	"fmt"

	"fleetd/backend/app/pool"
	"fleetd/backend/app/repo"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("invalid request")
	ErrPrecondition      = errors.New("precondition failed")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("concurrent update conflict")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrInvalidTransition = errors.New("invalid deployment transition")

	// ErrSkip is returned by a Mutate callback to leave the record untouched.
	ErrSkip = errors.New("skip write")
)

func mapRepoErr(err error, what, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return err
}

func unavailable(deviceID string, err error) error {
	if errors.Is(err, pool.ErrUnavailable) {
		return fmt.Errorf("device %s: %w: %v", deviceID, ErrDeviceUnavailable, err)
	}
	return err
}
