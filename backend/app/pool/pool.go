// Package pool keeps a bounded set of reusable device connections keyed by
// device id. Each connection has at most one holder; further callers for the
// same device wait in FIFO order and receive the connection directly from
// Release.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fleetd/backend/app/deviceclient"

	"github.com/rs/zerolog"
)

var (
	ErrUnavailable    = errors.New("device unavailable")
	ErrPingFailed     = fmt.Errorf("%w: liveness ping failed", ErrUnavailable)
	ErrAcquireTimeout = fmt.Errorf("%w: acquire timed out", ErrUnavailable)
	ErrPoolClosed     = fmt.Errorf("%w: pool closed", ErrUnavailable)
)

type Config struct {
	MaxConnections int
	TTL            time.Duration
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
	SweepInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c
}

// Target identifies the device a caller wants to talk to.
type Target struct {
	DeviceID string
	Address  string
}

// DialFunc creates a new, not yet validated client for a device.
type DialFunc func(ctx context.Context, deviceID, address string) (deviceclient.Client, error)

// Conn is a pooled client. CreatedAt never changes; usage bookkeeping is
// owned by the pool.
type Conn struct {
	DeviceID  string
	CreatedAt time.Time

	client   deviceclient.Client
	lastUsed time.Time
	inUse    bool
	retired  bool
}

func (c *Conn) Client() deviceclient.Client { return c.client }

// ConnInfo is a point-in-time copy of a pooled connection's bookkeeping.
type ConnInfo struct {
	DeviceID  string
	CreatedAt time.Time
	LastUsed  time.Time
	InUse     bool
}

type Stats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Idle   int `json:"idle"`
	Queued int `json:"queued"`
}

// grant is what a queued caller receives: a connection already marked in
// use, a reserved slot to dial with, or an error.
type grant struct {
	conn *Conn
	slot bool
	err  error
}

type waiter struct {
	deviceID string
	ch       chan grant
}

type Pool struct {
	cfg  Config
	dial DialFunc
	log  zerolog.Logger
	now  func() time.Time

	mu       sync.Mutex
	conns    map[string]*Conn
	dialing  map[string]bool
	reserved int
	waiters  map[string][]*waiter
	slotQ    []*waiter
	closed   bool
}

func New(cfg Config, dial DialFunc, log zerolog.Logger) *Pool {
	return &Pool{
		cfg:     cfg.withDefaults(),
		dial:    dial,
		log:     log.With().Str("component", "pool").Logger(),
		now:     time.Now,
		conns:   make(map[string]*Conn),
		dialing: make(map[string]bool),
		waiters: make(map[string][]*waiter),
	}
}

// Acquire returns a connection for t marked in use. The caller must Release
// it. Failures always satisfy errors.Is(err, ErrUnavailable).
func (p *Pool) Acquire(ctx context.Context, t Target) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	now := p.now()
	if c, ok := p.conns[t.DeviceID]; ok {
		switch {
		case !c.inUse && p.expired(c, now):
			p.evictLocked(c, "expired")
		case !c.inUse:
			c.inUse = true
			c.lastUsed = now
			p.mu.Unlock()
			return c, nil
		default:
			w := p.enqueueLocked(t.DeviceID)
			p.mu.Unlock()
			return p.await(ctx, t, w)
		}
	}
	if p.dialing[t.DeviceID] {
		w := p.enqueueLocked(t.DeviceID)
		p.mu.Unlock()
		return p.await(ctx, t, w)
	}
	if p.used() >= p.cfg.MaxConnections {
		p.sweepLocked(now)
		if p.used() >= p.cfg.MaxConnections {
			p.evictLRULocked()
		}
		if p.used() >= p.cfg.MaxConnections {
			w := &waiter{deviceID: t.DeviceID, ch: make(chan grant, 1)}
			p.slotQ = append(p.slotQ, w)
			p.log.Debug().Str("device", t.DeviceID).Int("queued", len(p.slotQ)).Msg("pool at capacity, waiting for slot")
			p.mu.Unlock()
			return p.await(ctx, t, w)
		}
	}
	p.reserveLocked(t.DeviceID)
	p.mu.Unlock()
	return p.connect(ctx, t)
}

// Release returns the device's connection. A queued caller for the same
// device receives it still marked in use.
func (p *Pool) Release(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[deviceID]
	if !ok || !c.inUse {
		return
	}
	now := p.now()
	c.lastUsed = now
	if p.expired(c, now) {
		p.dropInUseLocked(c, "expired")
		return
	}
	if c.retired {
		p.dropInUseLocked(c, "retired")
		return
	}
	if w := p.popWaiterLocked(deviceID); w != nil {
		w.ch <- grant{conn: c}
		return
	}
	c.inUse = false
	p.grantSlotsLocked()
}

// Discard evicts the device's in-use connection instead of returning it,
// for handles that failed at the transport level.
func (p *Pool) Discard(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[deviceID]
	if !ok || !c.inUse {
		return
	}
	p.dropInUseLocked(c, "discarded")
}

// Evict closes the device's connection. A connection in use is closed when
// its holder releases it.
func (p *Pool) Evict(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[deviceID]
	if !ok {
		return
	}
	if c.inUse {
		c.retired = true
		return
	}
	p.evictLocked(c, "evicted")
	p.grantSlotsLocked()
}

// WithConn acquires a connection for t, runs fn and always releases.
func (p *Pool) WithConn(ctx context.Context, t Target, fn func(deviceclient.Client) error) error {
	c, err := p.Acquire(ctx, t)
	if err != nil {
		return err
	}
	defer p.Release(t.DeviceID)
	return fn(c.Client())
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Total: len(p.conns), Queued: len(p.slotQ)}
	for _, c := range p.conns {
		if c.inUse {
			s.Active++
		}
	}
	s.Idle = s.Total - s.Active
	for _, q := range p.waiters {
		s.Queued += len(q)
	}
	return s
}

// Info reports the bookkeeping of the device's pooled connection.
func (p *Pool) Info(deviceID string) (ConnInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[deviceID]
	if !ok {
		return ConnInfo{}, false
	}
	return ConnInfo{DeviceID: c.DeviceID, CreatedAt: c.CreatedAt, LastUsed: c.lastUsed, InUse: c.inUse}, true
}

// Run sweeps idle and expired connections until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Sweep evicts unused connections idle past IdleTimeout or older than TTL.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.sweepLocked(p.now())
	if n > 0 {
		p.log.Debug().Int("evicted", n).Int("total", len(p.conns)).Msg("pool sweep")
		p.grantSlotsLocked()
	}
	return n
}

// CloseAll fails every queued caller and drops all connections. Used at
// shutdown only.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	p.closed = true
	for _, q := range p.waiters {
		for _, w := range q {
			w.ch <- grant{err: ErrPoolClosed}
		}
	}
	for _, w := range p.slotQ {
		w.ch <- grant{err: ErrPoolClosed}
	}
	clients := make([]deviceclient.Client, 0, len(p.conns))
	for _, c := range p.conns {
		clients = append(clients, c.client)
	}
	p.conns = make(map[string]*Conn)
	p.waiters = make(map[string][]*waiter)
	p.slotQ = nil
	p.mu.Unlock()

	for _, cl := range clients {
		_ = cl.Close()
	}
	p.log.Info().Int("closed", len(clients)).Msg("pool closed")
}

func (p *Pool) connect(ctx context.Context, t Target) (*Conn, error) {
	client, err := p.dial(ctx, t.DeviceID, t.Address)
	if err == nil {
		if perr := client.Ping(ctx); perr != nil {
			_ = client.Close()
			err = perr
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.dialing, t.DeviceID)
	p.reserved--

	if err != nil {
		failure := fmt.Errorf("device %s: %w (%v)", t.DeviceID, ErrPingFailed, err)
		for _, w := range p.waiters[t.DeviceID] {
			w.ch <- grant{err: failure}
		}
		delete(p.waiters, t.DeviceID)
		p.grantSlotsLocked()
		p.log.Warn().Str("device", t.DeviceID).Str("error", err.Error()).Msg("connection rejected by ping")
		return nil, failure
	}
	if p.closed {
		_ = client.Close()
		return nil, ErrPoolClosed
	}
	now := p.now()
	c := &Conn{DeviceID: t.DeviceID, CreatedAt: now, client: client, lastUsed: now, inUse: true}
	p.conns[t.DeviceID] = c
	p.log.Debug().Str("device", t.DeviceID).Int("total", len(p.conns)).Msg("connection established")
	return c, nil
}

func (p *Pool) await(ctx context.Context, t Target, w *waiter) (*Conn, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	var failure error
	select {
	case g := <-w.ch:
		return p.resolve(ctx, t, g)
	case <-timer.C:
		failure = fmt.Errorf("device %s: %w after %s", t.DeviceID, ErrAcquireTimeout, p.cfg.AcquireTimeout)
	case <-ctx.Done():
		failure = fmt.Errorf("device %s: %w: %w", t.DeviceID, ErrUnavailable, ctx.Err())
	}

	p.mu.Lock()
	removed := p.removeWaiterLocked(w)
	p.mu.Unlock()
	if !removed {
		// handed a grant while timing out; give it back
		p.abandon(t.DeviceID, <-w.ch)
	}
	return nil, failure
}

func (p *Pool) resolve(ctx context.Context, t Target, g grant) (*Conn, error) {
	switch {
	case g.err != nil:
		return nil, g.err
	case g.conn != nil:
		return g.conn, nil
	default:
		return p.connect(ctx, t)
	}
}

func (p *Pool) abandon(deviceID string, g grant) {
	switch {
	case g.conn != nil:
		p.Release(deviceID)
	case g.slot:
		p.mu.Lock()
		defer p.mu.Unlock()
		if w := p.popWaiterLocked(deviceID); w != nil {
			w.ch <- grant{slot: true}
			return
		}
		delete(p.dialing, deviceID)
		p.reserved--
		p.grantSlotsLocked()
	}
}

// grantSlotsLocked serves capacity waiters while room can be made.
func (p *Pool) grantSlotsLocked() {
	for len(p.slotQ) > 0 && !p.closed {
		w := p.slotQ[0]
		now := p.now()
		if c, ok := p.conns[w.deviceID]; ok {
			if !c.inUse && p.expired(c, now) {
				p.evictLocked(c, "expired")
			} else {
				p.slotQ = p.slotQ[1:]
				if c.inUse {
					p.waiters[w.deviceID] = append(p.waiters[w.deviceID], w)
					continue
				}
				c.inUse = true
				c.lastUsed = now
				w.ch <- grant{conn: c}
				continue
			}
		}
		if p.dialing[w.deviceID] {
			p.slotQ = p.slotQ[1:]
			p.waiters[w.deviceID] = append(p.waiters[w.deviceID], w)
			continue
		}
		if p.used() >= p.cfg.MaxConnections {
			p.sweepLocked(now)
			if p.used() >= p.cfg.MaxConnections && !p.evictLRULocked() {
				return
			}
		}
		p.slotQ = p.slotQ[1:]
		p.reserveLocked(w.deviceID)
		w.ch <- grant{slot: true}
	}
}

// dropInUseLocked evicts a held connection; the next device waiter gets a
// reserved slot to dial a replacement.
func (p *Pool) dropInUseLocked(c *Conn, reason string) {
	p.evictLocked(c, reason)
	if w := p.popWaiterLocked(c.DeviceID); w != nil {
		p.reserveLocked(c.DeviceID)
		w.ch <- grant{slot: true}
		return
	}
	p.grantSlotsLocked()
}

func (p *Pool) used() int { return len(p.conns) + p.reserved }

func (p *Pool) reserveLocked(deviceID string) {
	p.dialing[deviceID] = true
	p.reserved++
}

func (p *Pool) expired(c *Conn, now time.Time) bool {
	return now.Sub(c.CreatedAt) >= p.cfg.TTL
}

func (p *Pool) sweepLocked(now time.Time) int {
	n := 0
	for _, c := range p.conns {
		if c.inUse {
			continue
		}
		if p.expired(c, now) {
			p.evictLocked(c, "expired")
			n++
		} else if now.Sub(c.lastUsed) >= p.cfg.IdleTimeout {
			p.evictLocked(c, "idle")
			n++
		}
	}
	return n
}

func (p *Pool) evictLRULocked() bool {
	var oldest *Conn
	for _, c := range p.conns {
		if c.inUse {
			continue
		}
		if oldest == nil || c.lastUsed.Before(oldest.lastUsed) {
			oldest = c
		}
	}
	if oldest == nil {
		return false
	}
	p.evictLocked(oldest, "capacity")
	return true
}

func (p *Pool) evictLocked(c *Conn, reason string) {
	delete(p.conns, c.DeviceID)
	_ = c.client.Close()
	p.log.Debug().Str("device", c.DeviceID).Str("reason", reason).Msg("connection evicted")
}

func (p *Pool) enqueueLocked(deviceID string) *waiter {
	w := &waiter{deviceID: deviceID, ch: make(chan grant, 1)}
	p.waiters[deviceID] = append(p.waiters[deviceID], w)
	return w
}

func (p *Pool) popWaiterLocked(deviceID string) *waiter {
	q := p.waiters[deviceID]
	if len(q) == 0 {
		return nil
	}
	w := q[0]
	if len(q) == 1 {
		delete(p.waiters, deviceID)
	} else {
		p.waiters[deviceID] = q[1:]
	}
	return w
}

func (p *Pool) removeWaiterLocked(w *waiter) bool {
	q := p.waiters[w.deviceID]
	for i, x := range q {
		if x == w {
			q = append(q[:i:i], q[i+1:]...)
			if len(q) == 0 {
				delete(p.waiters, w.deviceID)
			} else {
				p.waiters[w.deviceID] = q
			}
			return true
		}
	}
	for i, x := range p.slotQ {
		if x == w {
			p.slotQ = append(p.slotQ[:i:i], p.slotQ[i+1:]...)
			return true
		}
	}
	return false
}
