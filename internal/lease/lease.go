// Package lease owns the time-bounded advertising session of the peripheral.
//
// A Lease is active while now < start+duration. Its expiry is exposed as a channel (Done) so
// the session loop can wait on it next to its other event sources instead of polling.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/srg/blip/internal/bledb"
	"github.com/srg/blip/internal/host"
)

const (
	// MaxDuration is the longest advertising timeout the host accepts
	MaxDuration = 180 * time.Second

	// MaxPayloadSize is the legacy advertising PDU data budget, in bytes. The advertising data
	// and the scan response each get their own budget.
	MaxPayloadSize = 31
)

// Manager starts advertising leases on a host
type Manager struct {
	host   host.Host
	clock  clock.Clock
	logger *logrus.Logger
}

// NewManager creates a lease manager. A nil clock means wall-clock time.
func NewManager(h host.Host, clk clock.Clock, logger *logrus.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{host: h, clock: clk, logger: logger}
}

// Start validates the advertisement, asks the host to advertise and arms the expiry timer.
// All errors are *host.AdvertiseError and are not retriable.
func (m *Manager) Start(ctx context.Context, cfg *host.AdvertiseConfig) (*Lease, error) {
	if cfg == nil {
		return nil, &host.AdvertiseError{Kind: host.Other, Msg: "advertisement config is required"}
	}

	if err := ValidatePayload(cfg); err != nil {
		m.logger.WithError(err).Error("The advertising data is too long")
		return nil, err
	}

	duration := cfg.LeaseDuration
	if duration > MaxDuration {
		m.logger.WithFields(logrus.Fields{
			"requested": duration,
			"max":       MaxDuration,
		}).Warn("Advertising duration exceeds host maximum, clamping")
		duration = MaxDuration
	}

	m.logger.WithFields(logrus.Fields{
		"name":       cfg.LocalName,
		"services":   cfg.ServiceUUIDs,
		"appearance": cfg.Appearance,
		"duration":   duration,
	}).Debug("Starting advertisement...")

	adv, err := m.host.Advertise(ctx, cfg)
	if err != nil {
		err = host.NormalizeError(err)
		m.logger.WithError(err).Error("Advertising failed")
		return nil, err
	}

	l := &Lease{
		start:    m.clock.Now(),
		duration: duration,
		adv:      adv,
		done:     make(chan struct{}),
		logger:   m.logger,
	}
	if duration > 0 {
		l.timer = m.clock.AfterFunc(duration, l.expire)
	}

	m.logger.WithFields(logrus.Fields{
		"name":     cfg.LocalName,
		"duration": duration,
	}).Info("Advertising started")
	return l, nil
}

// Lease is a running advertisement with a bounded lifetime
type Lease struct {
	start    time.Time
	duration time.Duration
	adv      host.Advertisement
	timer    *clock.Timer
	logger   *logrus.Logger

	done       chan struct{}
	expireOnce sync.Once

	stopOnce sync.Once
	stopErr  error
}

func (l *Lease) expire() {
	l.expireOnce.Do(func() {
		close(l.done)
	})
}

// Done is closed when the lease expires. It never closes for a lease without a duration.
func (l *Lease) Done() <-chan struct{} {
	return l.done
}

// Expired reports whether advertising is over at the given instant
func (l *Lease) Expired(now time.Time) bool {
	if l.duration <= 0 {
		return false
	}
	return !now.Before(l.start.Add(l.duration))
}

// Remaining returns the advertising time left at the given instant, 0 once expired
func (l *Lease) Remaining(now time.Time) time.Duration {
	if l.duration <= 0 {
		return 0
	}
	left := l.start.Add(l.duration).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Start returns when advertising began
func (l *Lease) Start() time.Time {
	return l.start
}

// Duration returns the effective lease duration (0 = unbounded)
func (l *Lease) Duration() time.Duration {
	return l.duration
}

// Stop withdraws the advertisement. Only the first call reaches the host; later calls return nil.
func (l *Lease) Stop() error {
	first := false
	l.stopOnce.Do(func() {
		first = true
		if l.timer != nil {
			l.timer.Stop()
		}
		if err := l.adv.Withdraw(); err != nil {
			l.stopErr = fmt.Errorf("failed to withdraw advertisement: %w", err)
			l.logger.WithError(err).Warn("Failed to withdraw advertisement")
			return
		}
		l.logger.Debug("Advertisement withdrawn")
	})
	if !first {
		return nil
	}
	return l.stopErr
}

// ValidatePayload checks that the advertisement fits the legacy advertising budget.
// Flags, service UUIDs, manufacturer data and appearance go into the advertising data;
// the local name goes into the scan response.
func ValidatePayload(cfg *host.AdvertiseConfig) error {
	adv := AdvertisingDataSize(cfg)
	if adv > MaxPayloadSize {
		return &host.AdvertiseError{
			Kind: host.PayloadTooLarge,
			Msg:  fmt.Sprintf("advertising data is %d bytes, limit is %d", adv, MaxPayloadSize),
		}
	}
	if sr := ScanResponseSize(cfg); sr > MaxPayloadSize {
		return &host.AdvertiseError{
			Kind: host.PayloadTooLarge,
			Msg:  fmt.Sprintf("scan response is %d bytes, limit is %d", sr, MaxPayloadSize),
		}
	}
	return nil
}

// AdvertisingDataSize returns the encoded size of the advertising data, in bytes.
// Every AD structure costs a length byte and a type byte on top of its value.
func AdvertisingDataSize(cfg *host.AdvertiseConfig) int {
	size := 3 // flags

	var n16, n32, n128 int
	for _, u := range cfg.ServiceUUIDs {
		switch len(bledb.NormalizeUUID(u)) {
		case 4:
			n16++
		case 8:
			n32++
		default:
			n128++
		}
	}
	if n16 > 0 {
		size += 2 + 2*n16
	}
	if n32 > 0 {
		size += 2 + 4*n32
	}
	if n128 > 0 {
		size += 2 + 16*n128
	}

	if len(cfg.ManufacturerData) > 0 {
		size += 2 + 2 + len(cfg.ManufacturerData)
	}
	if cfg.Appearance != 0 {
		size += 2 + 2
	}
	return size
}

// ScanResponseSize returns the encoded size of the scan response, in bytes
func ScanResponseSize(cfg *host.AdvertiseConfig) int {
	if cfg.LocalName == "" {
		return 0
	}
	return 2 + len(cfg.LocalName)
}
