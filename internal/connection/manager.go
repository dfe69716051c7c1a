package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/events"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/transport"
)

// slot is one configured channel position. Each reconnect puts a fresh
// channel instance into the same slot.
type slot struct {
	index   int
	factory transport.Factory
	kick    chan struct{}

	// guarded by Manager.mu
	state   transport.State
	err     error
	attempt int
	channel transport.Channel
	running bool
	since   time.Time
}

// Manager supervises a set of redundant channels. The aggregate state is
// connected while at least one channel is connected.
type Manager struct {
	role    Role
	opts    Options
	log     logrus.FieldLogger
	dist    *events.Distributor
	now     func() time.Time
	onDelay func(slot int, d time.Duration)

	notifyMu sync.Mutex // serialises aggregate notifications

	mu         sync.Mutex
	slots      []*slot
	aggregate  transport.Status
	statusFns  []func(transport.Status)
	attemptFns []func(transport.Status)
	messageFns []func(transport.Message)
	authFns    []func(error)
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = l }
}

// WithDistributor publishes aggregate changes as connection-status-changed
// events.
func WithDistributor(d *events.Distributor) Option {
	return func(m *Manager) { m.dist = d }
}

// withDelayHook observes every backoff delay; tests only.
func withDelayHook(fn func(slot int, d time.Duration)) Option {
	return func(m *Manager) { m.onDelay = fn }
}

// withClock replaces time.Now; tests only.
func withClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager for the given channel factories. Nothing is opened
// until Connect.
func New(role Role, factories []transport.Factory, opts Options, options ...Option) *Manager {
	m := &Manager{
		role: role,
		opts: opts,
		log:  logrus.StandardLogger(),
		now:  time.Now,
	}
	for _, o := range options {
		o(m)
	}
	for i, f := range factories {
		m.slots = append(m.slots, &slot{index: i, factory: f, kick: make(chan struct{}, 1)})
	}
	m.aggregate = transport.Status{State: transport.StateDisconnected, Since: m.now()}
	return m
}

// Role returns the configured role.
func (m *Manager) Role() Role { return m.role }

// OnMessage registers a receiver for inbound events from every channel.
func (m *Manager) OnMessage(fn func(transport.Message)) {
	m.mu.Lock()
	m.messageFns = append(m.messageFns, fn)
	m.mu.Unlock()
}

// OnStatus registers a receiver for aggregate state changes. Consecutive
// duplicates are not reported.
func (m *Manager) OnStatus(fn func(transport.Status)) {
	m.mu.Lock()
	m.statusFns = append(m.statusFns, fn)
	m.mu.Unlock()
}

// OnAttempt registers a receiver called after every failed open or drop with
// the slot's consecutive failure count.
func (m *Manager) OnAttempt(fn func(transport.Status)) {
	m.mu.Lock()
	m.attemptFns = append(m.attemptFns, fn)
	m.mu.Unlock()
}

// OnAuthFailure registers a receiver for credential rejections. A rejected
// channel stays down until Connect or ForceReconnect.
func (m *Manager) OnAuthFailure(fn func(error)) {
	m.mu.Lock()
	m.authFns = append(m.authFns, fn)
	m.mu.Unlock()
}

// Connect starts supervising every channel that is not already running. It
// returns immediately; progress is reported through OnStatus.
func (m *Manager) Connect(ctx context.Context) error {
	if len(m.slots) == 0 {
		return errors.New("connection: no channels configured")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil || m.ctx.Err() != nil {
		m.ctx, m.cancel = context.WithCancel(ctx)
	}
	for _, s := range m.slots {
		m.startLocked(s)
	}
	return nil
}

func (m *Manager) startLocked(s *slot) {
	if s.running {
		return
	}
	s.running = true
	s.attempt = 0
	select {
	case <-s.kick:
	default:
	}
	m.wg.Add(1)
	go m.supervise(m.ctx, s)
}

// ForceReconnect drops every open channel and reopens it without delay.
// Channels stopped by an authentication failure are restarted.
func (m *Manager) ForceReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil || m.ctx.Err() != nil {
		return
	}
	for _, s := range m.slots {
		if !s.running {
			m.startLocked(s)
			continue
		}
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// Close stops all supervisors, cancels pending backoff timers and closes
// every channel.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	for _, s := range m.slots {
		s.state, s.err, s.channel = transport.StateDisconnected, nil, nil
	}
	m.mu.Unlock()
	m.recompute(nil)
}

// State returns the aggregate status.
func (m *Manager) State() transport.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aggregate
}

// Channels returns the status of every slot in configuration order.
func (m *Manager) Channels() []transport.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]transport.Status, 0, len(m.slots))
	for _, s := range m.slots {
		st := transport.Status{State: s.state, Err: s.err, Attempt: s.attempt, Since: s.since}
		if s.channel != nil {
			st.Channel = s.channel.ID()
		}
		out = append(out, st)
	}
	return out
}

// Send writes env to every connected channel. It succeeds when at least one
// channel accepted it.
func (m *Manager) Send(env transport.Envelope) error {
	m.mu.Lock()
	var targets []transport.Channel
	for _, s := range m.slots {
		if s.state == transport.StateConnected && s.channel != nil {
			targets = append(targets, s.channel)
		}
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		return transport.ErrNotConnected
	}
	var errs []error
	for _, ch := range targets {
		if err := ch.Send(env); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(targets) {
		return errors.Join(errs...)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Per-channel state machine
// ---------------------------------------------------------------------------

func (m *Manager) supervise(ctx context.Context, s *slot) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		s.running = false
		m.mu.Unlock()
	}()

	b := NewBackoff(m.opts.BaseDelay, m.opts.MaxDelay, m.opts.Jitter)
	stuck := 0
	everConnected := false
	log := m.log.WithField("slot", s.index).WithField("role", string(m.role))

	for ctx.Err() == nil {
		m.mu.Lock()
		retrying := s.attempt > 0
		m.mu.Unlock()
		opening := transport.StateConnecting
		if everConnected || retrying {
			opening = transport.StateReconnecting
		}

		ch, err := s.factory()
		if err != nil {
			m.fail(s, &transport.ConnectionError{Channel: "factory", Err: err})
			if !m.wait(ctx, s, b) {
				return
			}
			continue
		}

		drops := make(chan transport.Status, 1)
		ch.OnMessage(m.dispatch)
		ch.OnStatus(func(st transport.Status) {
			if st.State == transport.StateDisconnected {
				select {
				case drops <- st:
				default:
				}
			}
		})
		m.setSlot(s, ch, opening, nil)

		openCtx, cancelOpen := context.WithTimeout(ctx, m.opts.ConnectTimeout)
		err = ch.Open(openCtx)
		timedOut := errors.Is(openCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancelOpen()

		if err == nil {
			stuck = 0
			everConnected = true
			// A reconnect requested while opening is satisfied by this open.
			select {
			case <-s.kick:
			default:
			}
			m.connected(s, ch)
			log.WithField("channel", ch.ID()).Info("channel connected")

			connectedAt := m.now()
			var dropErr error
			forced := false
			select {
			case <-ctx.Done():
				_ = ch.Close()
				return
			case st := <-drops:
				dropErr = st.Err
			case <-s.kick:
				forced = true
			}
			_ = ch.Close()

			if forced || m.now().Sub(connectedAt) >= m.opts.StabilityWindow {
				b.Reset()
			}
			if forced {
				log.WithField("channel", ch.ID()).Info("forced reconnect")
				continue
			}
			if dropErr == nil {
				dropErr = &transport.ConnectionError{Channel: ch.ID(), Err: errors.New("connection dropped")}
			}
			log.WithField("channel", ch.ID()).WithError(dropErr).Warn("channel dropped")
			m.fail(s, dropErr)
			if !m.wait(ctx, s, b) {
				return
			}
			continue
		}

		_ = ch.Close()
		if ctx.Err() != nil {
			return
		}

		if transport.IsAuthentication(err) {
			log.WithField("channel", ch.ID()).WithError(err).Error("authentication rejected; not retrying")
			m.authFailed(s, err)
			return
		}

		if timedOut {
			stuck++
			stuckErr := &transport.StuckConnectionError{Channel: ch.ID(), Timeout: m.opts.ConnectTimeout}
			if stuck <= m.opts.MaxStuckReplacements {
				log.WithField("channel", ch.ID()).Warn("open hung; replacing channel instance")
				m.fail(s, stuckErr)
				continue
			}
			stuck = 0
			err = &transport.ConnectionError{Channel: ch.ID(), Err: stuckErr}
		}

		log.WithField("channel", ch.ID()).WithError(err).Warn("open failed")
		m.fail(s, err)
		if !m.wait(ctx, s, b) {
			return
		}
	}
}

// wait sleeps for the next backoff delay. A kick cuts it short and resets
// the backoff. It returns false when ctx is cancelled.
func (m *Manager) wait(ctx context.Context, s *slot, b *Backoff) bool {
	d := b.Next()
	if m.onDelay != nil {
		m.onDelay(s.index, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	case <-s.kick:
		b.Reset()
		return true
	}
}

func (m *Manager) dispatch(msg transport.Message) {
	m.mu.Lock()
	fns := m.messageFns
	m.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (m *Manager) setSlot(s *slot, ch transport.Channel, state transport.State, err error) {
	m.mu.Lock()
	s.channel, s.state, s.err, s.since = ch, state, err, m.now()
	m.mu.Unlock()
	m.recompute(err)
}

func (m *Manager) connected(s *slot, ch transport.Channel) {
	m.mu.Lock()
	s.channel, s.state, s.err, s.attempt, s.since = ch, transport.StateConnected, nil, 0, m.now()
	m.mu.Unlock()
	m.recompute(nil)
}

func (m *Manager) fail(s *slot, err error) {
	m.mu.Lock()
	s.attempt++
	s.state, s.err, s.channel, s.since = transport.StateReconnecting, err, nil, m.now()
	st := transport.Status{State: s.state, Err: err, Attempt: s.attempt, Since: s.since}
	fns := m.attemptFns
	m.mu.Unlock()

	m.recompute(err)
	for _, fn := range fns {
		fn(st)
	}
}

func (m *Manager) authFailed(s *slot, err error) {
	m.mu.Lock()
	s.state, s.err, s.channel, s.since = transport.StateDisconnected, err, nil, m.now()
	fns := m.authFns
	m.mu.Unlock()

	m.recompute(err)
	for _, fn := range fns {
		fn(err)
	}
}

// recompute folds slot states into the aggregate and notifies listeners when
// the aggregate state changes.
func (m *Manager) recompute(cause error) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	counts := map[transport.State]int{}
	for _, s := range m.slots {
		counts[s.state]++
	}

	next := transport.StateDisconnected
	switch {
	case counts[transport.StateConnected] > 0:
		next = transport.StateConnected
	case counts[transport.StateReconnecting] > 0:
		next = transport.StateReconnecting
	case counts[transport.StateConnecting] > 0:
		next = transport.StateConnecting
	}

	if next == m.aggregate.State {
		m.mu.Unlock()
		return
	}
	if next == transport.StateConnected {
		cause = nil
	}
	m.aggregate = transport.Status{State: next, Err: cause, Since: m.now()}
	st := m.aggregate
	fns := m.statusFns
	m.mu.Unlock()

	m.log.WithField("state", st.State.String()).Info("connection state changed")
	for _, fn := range fns {
		fn(st)
	}
	if m.dist != nil {
		m.dist.Publish(events.Event{Kind: events.KindConnectionStatus, Payload: st})
	}
}
