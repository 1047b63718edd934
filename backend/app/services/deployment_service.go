package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"fleetd/backend/app/dto"
	"fleetd/backend/app/models"
	"fleetd/backend/app/pool"
	"fleetd/backend/app/repo"

	"github.com/rs/zerolog"
)

const finishTimeout = 10 * time.Second

// Authorizer decides whether a user may run a payload on a device.
type Authorizer interface {
	CanDeploy(ctx context.Context, userID string, d *models.Device, p *models.Payload) error
}

// AllowAll lets every authenticated user deploy.
type AllowAll struct{}

func (AllowAll) CanDeploy(context.Context, string, *models.Device, *models.Payload) error { return nil }

type Request struct {
	PayloadID string
	DeviceID  string
	UserID    string
}

type DeploymentConfig struct {
	ExecutionTimeout time.Duration
	SerialTimeout    time.Duration
}

type DeploymentService struct {
	devices     *DeviceService
	payloads    *PayloadService
	deployments *repo.DeploymentRepository
	notify      *Notifier
	auth        Authorizer
	executors   map[models.ConnectivityMode]executor
	log         zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	serial map[string]*execution
}

func NewDeploymentService(devices *DeviceService, payloads *PayloadService, deployments *repo.DeploymentRepository,
	p *pool.Pool, notify *Notifier, cfg DeploymentConfig, log zerolog.Logger) *DeploymentService {
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 30 * time.Second
	}
	if cfg.SerialTimeout <= 0 {
		cfg.SerialTimeout = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DeploymentService{
		devices:     devices,
		payloads:    payloads,
		deployments: deployments,
		notify:      notify,
		auth:        AllowAll{},
		executors: map[models.ConnectivityMode]executor{
			models.ModeNetwork:     &networkExecutor{pool: p, timeout: cfg.ExecutionTimeout},
			models.ModeLocalSerial: &serialExecutor{timeout: cfg.SerialTimeout},
		},
		log:     log.With().Str("component", "deployments").Logger(),
		baseCtx: ctx,
		cancel:  cancel,
		serial:  make(map[string]*execution),
	}
}

func (s *DeploymentService) SetAuthorizer(a Authorizer) { s.auth = a }

// Deploy validates the request, claims the device and starts execution. A
// rejected request persists nothing and leaves the device untouched. The
// returned deployment is in the executing state.
func (s *DeploymentService) Deploy(ctx context.Context, req Request) (*models.Deployment, error) {
	device, err := s.devices.Get(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := deployable(device); err != nil {
		return nil, err
	}
	payload, err := s.payloads.Get(ctx, req.PayloadID)
	if err != nil {
		return nil, err
	}
	if err := s.auth.CanDeploy(ctx, req.UserID, device, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	exec, ok := s.executors[device.Mode]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported mode %q", ErrPrecondition, device.Mode)
	}

	l, err := exec.Prepare(ctx, device)
	if err != nil {
		s.log.Warn().Err(err).Str("device", device.ID).Msg("deployment rejected, device unreachable")
		return nil, err
	}

	// From here on the device is reserved; persistence outlives the caller.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	claimed, err := s.devices.Mutate(pctx, device.ID, func(d *models.Device) error {
		if err := deployable(d); err != nil {
			return err
		}
		d.Status = models.DeviceBusy
		return nil
	})
	if err != nil {
		l.Release()
		return nil, err
	}
	s.notify.DeviceStatus(claimed)

	dep := &models.Deployment{PayloadID: payload.ID, DeviceID: device.ID, UserID: req.UserID, Status: models.DeploymentPending}
	if err := s.deployments.Create(pctx, dep); err != nil {
		l.Release()
		s.releaseDevice(device.ID)
		return nil, err
	}
	s.notify.DeploymentStatus(dep)

	if l.conn != nil {
		if err := s.advance(pctx, dep, models.DeploymentConnected); err != nil {
			s.abort(pctx, dep, l, err)
			return nil, err
		}
	}
	if err := s.advance(pctx, dep, models.DeploymentExecuting); err != nil {
		s.abort(pctx, dep, l, err)
		return nil, err
	}
	s.notify.Activity(dto.Activity{
		DeviceID:     device.ID,
		DeploymentID: dep.ID,
		PayloadID:    payload.ID,
		PayloadName:  payload.Name,
		Mode:         device.Mode,
		Status:       dep.Status,
	})
	s.log.Info().Str("deployment", dep.ID).Str("device", device.ID).Str("payload", payload.ID).
		Str("mode", string(device.Mode)).Msg("deployment executing")

	out := *dep
	exec.Start(s, &execution{deployment: *dep, device: claimed, payload: payload, lease: l, started: time.Now()})
	return &out, nil
}

// ReportResult finishes a local-serial deployment with the operator's
// outcome.
func (s *DeploymentService) ReportResult(ctx context.Context, deploymentID string, report dto.ResultReport) (*models.Deployment, error) {
	run := s.takeSerial(deploymentID)
	if run == nil {
		dep, err := s.Get(ctx, deploymentID)
		if err != nil {
			return nil, err
		}
		if dep.Status.Terminal() {
			return nil, fmt.Errorf("deployment %s is %s: %w", dep.ID, dep.Status, ErrInvalidTransition)
		}
		return nil, fmt.Errorf("%w: deployment %s is not awaiting a result", ErrPrecondition, dep.ID)
	}
	run.watchdog.Stop()

	res := models.Result{Success: report.Success, Output: report.Output, Error: report.Error}
	if !report.Success {
		res.Stage = StageExecute
		if res.Error == "" {
			res.Error = "operator reported failure"
		}
	}
	return s.finish(run, res)
}

func (s *DeploymentService) Get(ctx context.Context, id string) (*models.Deployment, error) {
	dep, err := s.deployments.FindByID(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err, "deployment", id)
	}
	return dep, nil
}

func (s *DeploymentService) ListByDevice(ctx context.Context, deviceID string) ([]models.Deployment, error) {
	return s.deployments.ListByDevice(ctx, deviceID)
}

// Wait blocks until background network executions have finished.
func (s *DeploymentService) Wait() { s.wg.Wait() }

// Shutdown aborts running executions and fails deployments still waiting for
// an operator report.
func (s *DeploymentService) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	runs := make([]*execution, 0, len(s.serial))
	for id, run := range s.serial {
		run.watchdog.Stop()
		runs = append(runs, run)
		delete(s.serial, id)
	}
	s.mu.Unlock()
	for _, run := range runs {
		if _, err := s.finish(run, failure(StageShutdown, errors.New("controller shutting down"))); err != nil {
			s.log.Warn().Err(err).Str("deployment", run.deployment.ID).Msg("fail pending deployment")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecoverInterrupted fails deployments left unfinished by a previous run and
// frees their devices.
func (s *DeploymentService) RecoverInterrupted(ctx context.Context) (int, error) {
	stale, err := s.deployments.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range stale {
		dep := &stale[i]
		ok, err := s.fail(ctx, dep, models.Result{Error: "interrupted by controller restart", Stage: StageRecovery})
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		n++
		s.releaseDevice(dep.DeviceID)
	}
	if n > 0 {
		s.log.Warn().Int("count", n).Msg("failed interrupted deployments")
	}
	return n, nil
}

func (s *DeploymentService) advance(ctx context.Context, dep *models.Deployment, to models.DeploymentStatus) error {
	if !dep.Status.CanTransition(to) {
		return fmt.Errorf("deployment %s %s -> %s: %w", dep.ID, dep.Status, to, ErrInvalidTransition)
	}
	ok, err := s.deployments.Transition(ctx, dep.ID, dep.Status, to, nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("deployment %s %s -> %s: %w", dep.ID, dep.Status, to, ErrInvalidTransition)
	}
	dep.Status = to
	s.notify.DeploymentStatus(dep)
	return nil
}

// abort fails a deployment that could not be started and frees what it held.
func (s *DeploymentService) abort(ctx context.Context, dep *models.Deployment, l *lease, cause error) {
	l.Release()
	if _, err := s.fail(ctx, dep, failure(StageSetup, cause)); err != nil {
		s.log.Error().Err(err).Str("deployment", dep.ID).Msg("fail aborted deployment")
	}
	s.releaseDevice(dep.DeviceID)
}

// fail moves an unfinished deployment to failed, passing through executing
// when it has not got there yet. It reports false if another writer moved
// the deployment first.
func (s *DeploymentService) fail(ctx context.Context, dep *models.Deployment, res models.Result) (bool, error) {
	if dep.Status == models.DeploymentPending || dep.Status == models.DeploymentConnected {
		ok, err := s.deployments.Transition(ctx, dep.ID, dep.Status, models.DeploymentExecuting, nil)
		if err != nil || !ok {
			return false, err
		}
		dep.Status = models.DeploymentExecuting
		s.notify.DeploymentStatus(dep)
	}
	res.Success = false
	res.Timestamp = time.Now()
	body, err := json.Marshal(res)
	if err != nil {
		return false, err
	}
	ok, err := s.deployments.Transition(ctx, dep.ID, models.DeploymentExecuting, models.DeploymentFailed, body)
	if err != nil || !ok {
		return false, err
	}
	dep.Status = models.DeploymentFailed
	s.notify.DeploymentStatus(dep)
	return true, nil
}

// finish writes the terminal status and result exactly once, then returns
// the device to online.
func (s *DeploymentService) finish(run *execution, res models.Result) (*models.Deployment, error) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	res.Timestamp = time.Now()
	res.DurationMs = time.Since(run.started).Milliseconds()
	to := models.DeploymentCompleted
	if !res.Success {
		to = models.DeploymentFailed
	}
	body, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	id := run.deployment.ID
	ok, err := s.deployments.Transition(ctx, id, models.DeploymentExecuting, to, body)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("deployment %s already finished: %w", id, ErrInvalidTransition)
	}

	dep := run.deployment
	dep.Status = to
	s.notify.DeploymentStatus(&dep)
	s.releaseDevice(run.device.ID)

	ev := s.log.Info()
	if !res.Success {
		ev = s.log.Warn().Str("stage", res.Stage).Str("error", res.Error)
	}
	ev.Str("deployment", id).Str("device", run.device.ID).Int64("duration_ms", res.DurationMs).
		Str("status", string(to)).Msg("deployment finished")

	final, err := s.deployments.FindByID(ctx, id)
	if err != nil {
		return &dep, nil
	}
	return final, nil
}

func (s *DeploymentService) releaseDevice(deviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	d, err := s.devices.Mutate(ctx, deviceID, func(d *models.Device) error {
		if d.Status != models.DeviceBusy {
			return ErrSkip
		}
		now := time.Now()
		d.Status = models.DeviceOnline
		d.LastSeen = &now
		return nil
	})
	switch {
	case err == nil:
		s.notify.DeviceStatus(d)
	case errors.Is(err, ErrSkip), errors.Is(err, ErrNotFound):
	default:
		s.log.Error().Err(err).Str("device", deviceID).Msg("release device")
	}
}

func (s *DeploymentService) takeSerial(id string) *execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.serial[id]
	if !ok {
		return nil
	}
	delete(s.serial, id)
	return run
}

func deployable(d *models.Device) error {
	switch d.Status {
	case models.DeviceBusy, models.DeviceOffline:
		return fmt.Errorf("%w: device %s is %s", ErrPrecondition, d.ID, d.Status)
	}
	return nil
}
