// Package reconcile keeps stored device status in line with what devices
// report, announcing only real changes.
package reconcile

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"fleetd/backend/app/deviceclient"
	"fleetd/backend/app/models"
	"fleetd/backend/app/pool"
	"fleetd/backend/app/services"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const asyncCheckTimeout = 2 * time.Minute

type Config struct {
	PollInterval   time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	Concurrency    int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	return c
}

// Snapshot is the last status observed for a device.
type Snapshot struct {
	DeviceID       string
	Status         models.DeviceStatus
	LastSeen       time.Time
	BatteryLevel   *int
	SignalStrength *int
	Errors         []string
}

// Equal compares everything but LastSeen.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.DeviceID == o.DeviceID &&
		s.Status == o.Status &&
		intPtrEqual(s.BatteryLevel, o.BatteryLevel) &&
		intPtrEqual(s.SignalStrength, o.SignalStrength) &&
		slices.Equal(s.Errors, o.Errors)
}

func snapshotOf(d *models.Device) Snapshot {
	s := Snapshot{
		DeviceID:       d.ID,
		Status:         d.Status,
		BatteryLevel:   d.BatteryLevel,
		SignalStrength: d.SignalStrength,
		Errors:         slices.Clone([]string(d.Errors)),
	}
	if d.LastSeen != nil {
		s.LastSeen = *d.LastSeen
	}
	return s
}

type deviceState struct {
	mu      sync.Mutex
	issued  atomic.Uint64
	applied uint64
	snap    *Snapshot
}

type Reconciler struct {
	devices *services.DeviceService
	pool    *pool.Pool
	notify  *services.Notifier
	cfg     Config
	log     zerolog.Logger

	sweeping atomic.Bool

	mu     sync.Mutex
	states map[string]*deviceState
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(devices *services.DeviceService, p *pool.Pool, notify *services.Notifier, cfg Config, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		devices: devices,
		pool:    p,
		notify:  notify,
		cfg:     cfg.withDefaults(),
		log:     log.With().Str("component", "reconcile").Logger(),
		states:  make(map[string]*deviceState),
	}
}

// StartPolling sweeps once immediately and then every PollInterval until
// StopPolling or ctx is done. A tick that arrives while a sweep is still
// running is skipped.
func (r *Reconciler) StartPolling(ctx context.Context) {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.PollInterval)
		defer ticker.Stop()
		r.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()
	r.log.Info().Dur("interval", r.cfg.PollInterval).Msg("status polling started")
}

// StopPolling cancels in-flight checks and waits for them to return.
func (r *Reconciler) StopPolling() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Reconciler) tick(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if !r.Sweep(ctx) {
			r.log.Debug().Msg("previous sweep still running, tick skipped")
		}
	}()
}

// Sweep checks every eligible device once. It returns false without doing
// anything if another sweep is in progress.
func (r *Reconciler) Sweep(ctx context.Context) bool {
	if !r.sweeping.CompareAndSwap(false, true) {
		return false
	}
	defer r.sweeping.Store(false)

	list, err := r.devices.List(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("list devices")
		return true
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	checked := 0
	for i := range list {
		d := &list[i]
		if !eligible(d) {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		checked++
		// A failed device must not cancel the rest of the sweep.
		g.Go(func() error {
			if err := r.check(gctx, d); err != nil && gctx.Err() == nil {
				r.log.Error().Err(err).Str("device", d.ID).Msg("status check")
			}
			return nil
		})
	}
	_ = g.Wait()
	r.log.Debug().Int("devices", len(list)).Int("checked", checked).Msg("sweep finished")
	return true
}

// CheckNow reconciles one device immediately. Devices without a network
// endpoint and devices held by a deployment are left alone.
func (r *Reconciler) CheckNow(ctx context.Context, deviceID string) error {
	d, err := r.devices.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	if !eligible(d) {
		return nil
	}
	return r.check(ctx, d)
}

// CheckAsync runs CheckNow in the background, tracked by StopPolling.
func (r *Reconciler) CheckAsync(deviceID string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncCheckTimeout)
		defer cancel()
		if err := r.CheckNow(ctx, deviceID); err != nil {
			r.log.Warn().Err(err).Str("device", deviceID).Msg("initial status check")
		}
	}()
}

// Snapshot returns the cached status of a device, if any.
func (r *Reconciler) Snapshot(deviceID string) (Snapshot, bool) {
	st := r.state(deviceID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.snap == nil {
		return Snapshot{}, false
	}
	return *st.snap, true
}

// Forget drops cached state for a deleted device and evicts its pooled
// connection.
func (r *Reconciler) Forget(deviceID string) {
	r.mu.Lock()
	delete(r.states, deviceID)
	r.mu.Unlock()
	r.pool.Evict(deviceID)
}

func (r *Reconciler) check(ctx context.Context, d *models.Device) error {
	st := r.state(d.ID)
	seq := st.issued.Add(1)

	report, fetchErr := r.fetch(ctx, d)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return r.commit(ctx, st, seq, d, report, fetchErr)
}

// Report applies a status pushed by the device itself. It goes through the
// same ordering as polled results.
func (r *Reconciler) Report(ctx context.Context, deviceID string, report deviceclient.StatusReport) error {
	d, err := r.devices.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	st := r.state(d.ID)
	seq := st.issued.Add(1)
	return r.commit(ctx, st, seq, d, &report, nil)
}

func (r *Reconciler) commit(ctx context.Context, st *deviceState, seq uint64, d *models.Device,
	report *deviceclient.StatusReport, fetchErr error) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if seq <= st.applied {
		r.log.Debug().Str("device", d.ID).Uint64("seq", seq).Msg("stale status result dropped")
		return nil
	}
	st.applied = seq

	// Compare against the stored record; other writers may have changed it
	// since the last check.
	cur, err := r.devices.Get(ctx, d.ID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return nil
		}
		return err
	}
	stored := snapshotOf(cur)
	if st.snap == nil || !st.snap.Equal(stored) {
		st.snap = &stored
	}
	if fetchErr != nil {
		return r.markError(ctx, st, d.ID, fetchErr)
	}
	return r.apply(ctx, st, d.ID, report)
}

func (r *Reconciler) apply(ctx context.Context, st *deviceState, deviceID string, report *deviceclient.StatusReport) error {
	now := time.Now()
	status := reportedStatus(report.Status)
	if st.snap.Status == models.DeviceBusy {
		status = models.DeviceBusy
	}
	snap := Snapshot{
		DeviceID:       deviceID,
		Status:         status,
		LastSeen:       now,
		BatteryLevel:   report.BatteryLevel,
		SignalStrength: report.SignalStrength,
		Errors:         mergeErrors(st.snap.Errors, report.Errors),
	}
	if st.snap.Equal(snap) {
		st.snap.LastSeen = now
		return nil
	}

	updated, err := r.devices.Mutate(ctx, deviceID, func(d *models.Device) error {
		if d.Status != models.DeviceBusy {
			d.Status = snap.Status
		}
		d.LastSeen = &now
		d.BatteryLevel = snap.BatteryLevel
		d.SignalStrength = snap.SignalStrength
		d.Errors = mergeErrors(d.Errors, report.Errors)
		return nil
	})
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return nil
		}
		return err
	}
	snap = snapshotOf(updated)
	st.snap = &snap
	r.notify.DeviceStatus(updated)
	r.log.Info().Str("device", deviceID).Str("status", string(updated.Status)).Msg("device status changed")
	return nil
}

func (r *Reconciler) markError(ctx context.Context, st *deviceState, deviceID string, cause error) error {
	updated, err := r.devices.Mutate(ctx, deviceID, func(d *models.Device) error {
		if d.Status == models.DeviceError || d.Status == models.DeviceBusy {
			return services.ErrSkip
		}
		d.Status = models.DeviceError
		d.AppendError(cause.Error())
		return nil
	})
	switch {
	case errors.Is(err, services.ErrSkip):
		snap := snapshotOf(updated)
		st.snap = &snap
		return nil
	case errors.Is(err, services.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	snap := snapshotOf(updated)
	st.snap = &snap
	r.notify.DeviceError(updated)
	r.log.Warn().Str("device", deviceID).Str("error", cause.Error()).Msg("device unreachable")
	return nil
}

// fetch asks the device for its status, retrying with linear backoff.
func (r *Reconciler) fetch(ctx context.Context, d *models.Device) (*deviceclient.StatusReport, error) {
	target := pool.Target{DeviceID: d.ID, Address: d.Address}
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		report, err := r.fetchOnce(ctx, target)
		if err == nil {
			return report, nil
		}
		lastErr = err
		r.log.Debug().Err(err).Str("device", d.ID).Int("attempt", attempt).Msg("status attempt failed")
		if attempt == r.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.cfg.RetryBaseDelay * time.Duration(attempt)):
		}
	}
	return nil, lastErr
}

func (r *Reconciler) fetchOnce(ctx context.Context, target pool.Target) (*deviceclient.StatusReport, error) {
	c, err := r.pool.Acquire(ctx, target)
	if err != nil {
		return nil, err
	}
	report, err := c.Client().Status(ctx)
	if err != nil {
		var se *deviceclient.StatusError
		if errors.As(err, &se) {
			r.pool.Release(target.DeviceID)
		} else {
			r.pool.Discard(target.DeviceID)
		}
		return nil, err
	}
	r.pool.Release(target.DeviceID)
	return report, nil
}

func (r *Reconciler) state(deviceID string) *deviceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[deviceID]
	if !ok {
		st = &deviceState{}
		r.states[deviceID] = st
	}
	return st
}

func eligible(d *models.Device) bool {
	return d.Mode != models.ModeLocalSerial && d.Status != models.DeviceBusy
}

// reportedStatus maps the device's own view; busy is owned by deployments
// and never taken from a report.
func reportedStatus(s string) models.DeviceStatus {
	if models.DeviceStatus(s) == models.DeviceError {
		return models.DeviceError
	}
	return models.DeviceOnline
}

// mergeErrors appends reported errors missing from history, keeping the
// history bound.
func mergeErrors(history, reported []string) []string {
	d := &models.Device{Errors: slices.Clone(history)}
	for _, msg := range reported {
		if !slices.Contains(d.Errors, msg) {
			d.AppendError(msg)
		}
	}
	return []string(d.Errors)
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
