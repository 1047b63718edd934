package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetd/backend/app/deviceclient"
	"fleetd/backend/app/models"
	"fleetd/backend/app/pool"
)

// Stages reported in a failed Result.
const (
	StageSetup    = "setup"
	StageMode     = "mode"
	StageWrite    = "write"
	StageExecute  = "execute"
	StageReport   = "report"
	StageShutdown = "shutdown"
	StageRecovery = "recovery"
)

// lease holds what an executor reserved for one deployment.
type lease struct {
	conn    *pool.Conn
	release func()
	discard func()
}

func (l *lease) Release() {
	if l.release != nil {
		l.release()
	}
	l.release, l.discard = nil, nil
}

// Discard gives the reservation back as unusable.
func (l *lease) Discard() {
	if l.discard != nil {
		l.discard()
	}
	l.release, l.discard = nil, nil
}

// execution is one running deployment.
type execution struct {
	deployment models.Deployment
	device     *models.Device
	payload    *models.Payload
	lease      *lease
	started    time.Time
	watchdog   *time.Timer
}

// executor drives deployments for one connectivity mode.
type executor interface {
	// Prepare reserves the device before anything is persisted.
	Prepare(ctx context.Context, d *models.Device) (*lease, error)
	// Start runs the payload in the background and finishes the deployment.
	Start(s *DeploymentService, run *execution)
}

type networkExecutor struct {
	pool    *pool.Pool
	timeout time.Duration
}

func (e *networkExecutor) Prepare(ctx context.Context, d *models.Device) (*lease, error) {
	c, err := e.pool.Acquire(ctx, pool.Target{DeviceID: d.ID, Address: d.Address})
	if err != nil {
		return nil, unavailable(d.ID, err)
	}
	return &lease{
		conn:    c,
		release: func() { e.pool.Release(d.ID) },
		discard: func() { e.pool.Discard(d.ID) },
	}, nil
}

func (e *networkExecutor) Start(s *DeploymentService, run *execution) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.baseCtx, e.timeout)
		res, broken := e.run(ctx, run)
		cancel()
		if broken {
			run.lease.Discard()
		} else {
			run.lease.Release()
		}
		if _, err := s.finish(run, res); err != nil {
			s.log.Error().Err(err).Str("deployment", run.deployment.ID).Msg("finish deployment")
		}
	}()
}

// run reports whether the connection failed at the transport level.
func (e *networkExecutor) run(ctx context.Context, run *execution) (models.Result, bool) {
	client := run.lease.conn.Client()
	if err := client.EnterPayloadMode(ctx); err != nil {
		return failure(StageMode, err), transportFailure(err)
	}
	if err := client.WritePayload(ctx, run.payload.Script); err != nil {
		return failure(StageWrite, err), transportFailure(err)
	}
	out, err := client.Execute(ctx)
	if err != nil {
		return failure(StageExecute, err), transportFailure(err)
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "device reported failure"
		}
		return models.Result{Success: false, Output: out.Output, Error: msg, Stage: StageExecute}, false
	}
	return models.Result{Success: true, Output: out.Output}, false
}

// serialExecutor waits for the operator to report the outcome.
type serialExecutor struct {
	timeout time.Duration
}

func (e *serialExecutor) Prepare(ctx context.Context, d *models.Device) (*lease, error) {
	return &lease{}, nil
}

func (e *serialExecutor) Start(s *DeploymentService, run *execution) {
	id := run.deployment.ID
	timeout := e.timeout

	s.mu.Lock()
	defer s.mu.Unlock()
	s.serial[id] = run
	run.watchdog = time.AfterFunc(timeout, func() {
		r := s.takeSerial(id)
		if r == nil {
			return
		}
		res := failure(StageReport, fmt.Errorf("no result reported within %s", timeout))
		if _, err := s.finish(r, res); err != nil && !errors.Is(err, ErrInvalidTransition) {
			s.log.Error().Err(err).Str("deployment", id).Msg("finish deployment")
		}
	})
}

func transportFailure(err error) bool {
	var se *deviceclient.StatusError
	return !errors.As(err, &se)
}

func failure(stage string, err error) models.Result {
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "execution timed out: " + msg
	}
	return models.Result{Success: false, Error: msg, Stage: stage}
}
