// Package session runs the peripheral: it advertises, serves the GATT application and relays
// data between attached centrals until the lease expires, the operator stops it, the host goes
// away or the context is canceled.
//
// All relay state is owned by the goroutine executing Run. Every other source (reader pump,
// negotiator, triggers, lease timer) talks to it through channels selected in one loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/srg/blip/internal/host"
	"github.com/srg/blip/internal/lease"
	"github.com/srg/blip/internal/negotiator"
	"github.com/srg/blip/internal/profile"
	"github.com/srg/blip/internal/relay"
)

// ErrAlreadyStarted is returned when Run is called on a session that already ran
var ErrAlreadyStarted = errors.New("session already started")

// State is the lifecycle state of a session
type State int32

const (
	Idle State = iota
	Starting
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Reason tells why a session stopped running
type Reason string

const (
	ReasonTimeout     Reason = "timeout"
	ReasonUserRequest Reason = "user request"
	ReasonHostClosed  Reason = "host closed"
	ReasonCanceled    Reason = "canceled"
)

// Outcome summarizes a finished session
type Outcome struct {
	Reason Reason
	// Duration runs from the start of advertising to the end of teardown; the grace period is not included
	Duration time.Duration
	Stats    relay.Stats
}

// Hooks are optional callbacks fired on the Run goroutine as startup progresses
type Hooks struct {
	OnAdvertising func(l *lease.Lease)
	OnRegistered  func(app *profile.Application)
	OnRunning     func()
	OnDraining    func(reason Reason)
}

// Config describes one session
type Config struct {
	Advertise           *host.AdvertiseConfig
	Application         *profile.Application
	RelayCharacteristic string
	Relay               relay.Options

	// GracePeriod is waited after teardown before the session reports Stopped
	GracePeriod time.Duration

	// Tick triggers TickForward; nil disables ticking
	Tick <-chan time.Time
	// Stop requests a stop on behalf of the operator; nil disables it
	Stop <-chan struct{}

	Clock clock.Clock
	Hooks Hooks
}

// Session is a single run of the peripheral relay
type Session struct {
	host   host.Host
	cfg    Config
	clock  clock.Clock
	logger *logrus.Logger
	state  atomic.Int32
}

// New creates a session on the given host
func New(h host.Host, cfg Config, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Application == nil {
		cfg.Application = profile.Default()
	}
	if cfg.RelayCharacteristic == "" {
		cfg.RelayCharacteristic = profile.RelayCharacteristicUUID
	}
	if cfg.Relay.Clock == nil {
		cfg.Relay.Clock = cfg.Clock
	}
	return &Session{host: h, cfg: cfg, clock: cfg.Clock, logger: logger}
}

// State returns the current lifecycle state; safe to call from any goroutine
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.logger.WithField("state", st).Debug("Session state changed")
}

// Run starts the session and blocks until it stopped. Startup failures are returned without an
// outcome; teardown failures are returned next to the outcome and do not change its reason.
func (s *Session) Run(ctx context.Context) (*Outcome, error) {
	if !s.state.CompareAndSwap(int32(Idle), int32(Starting)) {
		return nil, ErrAlreadyStarted
	}

	if err := s.cfg.Application.ValidateRelay(s.cfg.RelayCharacteristic); err != nil {
		s.setState(Stopped)
		return nil, err
	}

	l, err := lease.NewManager(s.host, s.clock, s.logger).Start(ctx, s.cfg.Advertise)
	if err != nil {
		s.setState(Stopped)
		return nil, fmt.Errorf("failed to start advertising: %w", err)
	}
	if s.cfg.Hooks.OnAdvertising != nil {
		s.cfg.Hooks.OnAdvertising(l)
	}

	reg, err := s.host.RegisterApplication(ctx, s.cfg.Application)
	if err != nil {
		if stopErr := l.Stop(); stopErr != nil {
			s.logger.WithError(stopErr).Warn("Failed to withdraw advertisement after registration failure")
		}
		s.setState(Stopped)
		return nil, fmt.Errorf("%w: %w", host.ErrRegistration, err)
	}
	s.logger.WithField("services", len(s.cfg.Application.Services)).Info("GATT application registered")
	if s.cfg.Hooks.OnRegistered != nil {
		s.cfg.Hooks.OnRegistered(s.cfg.Application)
	}

	// The negotiator outlives ctx so that cancellation is reported as such, not as a closed host
	neg := negotiator.New(s.host, s.cfg.RelayCharacteristic, s.logger)
	neg.Start(context.WithoutCancel(ctx))

	engine := relay.NewEngine(s.cfg.Relay, s.logger)

	s.setState(Running)
	if s.cfg.Hooks.OnRunning != nil {
		s.cfg.Hooks.OnRunning()
	}

	reason := s.loop(ctx, l, neg, engine)

	s.setState(Draining)
	s.logger.WithField("reason", reason).Info("Session draining")
	if s.cfg.Hooks.OnDraining != nil {
		s.cfg.Hooks.OnDraining(reason)
	}

	teardownErr := s.teardown(engine, reg, l, neg)
	outcome := &Outcome{
		Reason:   reason,
		Duration: s.clock.Since(l.Start()),
		Stats:    engine.Stats(),
	}

	if s.cfg.GracePeriod > 0 {
		<-s.clock.After(s.cfg.GracePeriod)
	}
	s.setState(Stopped)

	s.logger.WithFields(logrus.Fields{
		"reason":   reason,
		"duration": outcome.Duration,
		"forwards": outcome.Stats.Forwards,
	}).Info("Session stopped")
	return outcome, teardownErr
}

func (s *Session) loop(ctx context.Context, l *lease.Lease, neg *negotiator.Negotiator, engine *relay.Engine) Reason {
	events := neg.Events()
	for {
		select {
		case <-l.Done():
			s.logger.Info("Advertising lease expired")
			return ReasonTimeout

		case <-s.cfg.Stop:
			return ReasonUserRequest

		case ev, ok := <-events:
			if !ok || ev.Kind == negotiator.ControlClosed {
				s.logger.Warn("Host control channel closed")
				return ReasonHostClosed
			}
			s.attach(engine, ev)

		case res := <-engine.ReadReady():
			engine.HandleRead(res)

		case <-s.cfg.Tick:
			engine.TickForward()

		case <-ctx.Done():
			return ReasonCanceled
		}
	}
}

func (s *Session) attach(engine *relay.Engine, ev negotiator.Event) {
	kind := "write"
	if ev.Kind == negotiator.NotifyAttached {
		kind = "notify"
	}
	s.logger.WithField("remote", ev.Remote).Infof("Accepting %s request with MTU %d", kind, ev.MTU)

	att, err := ev.Accept()
	if err != nil {
		s.logger.WithError(err).WithField("kind", kind).Warn("Dropping attachment")
		return
	}

	switch ev.Kind {
	case negotiator.WriteAttached:
		engine.InstallReader(att.Reader)
	case negotiator.NotifyAttached:
		engine.InstallWriter(att.Writer)
	}
}

// teardown releases reader, writer, registration and lease in that order. Every step runs even
// when an earlier one failed.
func (s *Session) teardown(engine *relay.Engine, reg host.Registration, l *lease.Lease, neg *negotiator.Negotiator) error {
	var errs []error

	if err := engine.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := reg.Unregister(); err != nil {
		errs = append(errs, fmt.Errorf("failed to unregister GATT application: %w", err))
	}
	if err := l.Stop(); err != nil {
		errs = append(errs, err)
	}
	neg.Close()

	engine.Journal().Dump(s.logger)

	err := errors.Join(errs...)
	if err != nil {
		s.logger.WithError(err).Warn("Teardown completed with errors")
	}
	return err
}
