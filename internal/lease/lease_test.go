package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/srg/blip/internal/host"
	"github.com/srg/blip/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type LeaseTestSuite struct {
	suite.Suite
	host   *testutils.FakeHost
	clock  *clock.Mock
	logger *logrus.Logger
}

func (s *LeaseTestSuite) SetupTest() {
	s.host = testutils.NewFakeHost(s.T())
	s.clock = clock.NewMock()
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.PanicLevel)
}

func (s *LeaseTestSuite) manager() *Manager {
	return NewManager(s.host, s.clock, s.logger)
}

func defaultConfig() *host.AdvertiseConfig {
	return &host.AdvertiseConfig{
		ServiceUUIDs:     []string{"180f", "1812"},
		ManufacturerID:   0xf00d,
		ManufacturerData: []byte{0x21, 0x22, 0x23, 0x24},
		Discoverable:     true,
		Appearance:       964,
		LeaseDuration:    2 * time.Second,
		LocalName:        "blip",
	}
}

func (s *LeaseTestSuite) TestStartAndExpire() {
	// GOAL: Verify the lease reports expiry exactly when its duration elapses
	//
	// TEST SCENARIO: Start a 2s lease on a mock clock → advance 1s (still active) → advance 1s → Done closes

	l, err := s.manager().Start(context.Background(), defaultConfig())
	s.Require().NoError(err)
	s.Require().Len(s.host.Advertised(), 1)

	start := s.clock.Now()
	s.Equal(start, l.Start())
	s.Equal(2*time.Second, l.Duration())
	s.False(l.Expired(start))
	s.Equal(2*time.Second, l.Remaining(start))

	s.clock.Add(time.Second)
	select {
	case <-l.Done():
		s.Fail("lease expired early")
	default:
	}
	s.False(l.Expired(s.clock.Now()))
	s.Equal(time.Second, l.Remaining(s.clock.Now()))

	s.clock.Add(time.Second)
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		s.Fail("lease did not expire after its duration")
	}
	s.True(l.Expired(s.clock.Now()))
	s.Zero(l.Remaining(s.clock.Now().Add(time.Hour)))

	s.NoError(l.Stop())
	s.Equal(1, s.host.Advertisement().Calls())
}

func (s *LeaseTestSuite) TestZeroDurationNeverExpires() {
	cfg := defaultConfig()
	cfg.LeaseDuration = 0

	l, err := s.manager().Start(context.Background(), cfg)
	s.Require().NoError(err)

	s.clock.Add(24 * time.Hour)
	select {
	case <-l.Done():
		s.Fail("unbounded lease MUST NOT expire")
	default:
	}
	s.False(l.Expired(s.clock.Now()))
	s.Zero(l.Remaining(s.clock.Now()))
	s.NoError(l.Stop())
}

func (s *LeaseTestSuite) TestDurationIsClamped() {
	cfg := defaultConfig()
	cfg.LeaseDuration = 10 * time.Minute

	l, err := s.manager().Start(context.Background(), cfg)
	s.Require().NoError(err)
	s.Equal(MaxDuration, l.Duration())
	s.NoError(l.Stop())
}

func (s *LeaseTestSuite) TestStopIsIdempotent() {
	s.host.WithdrawErr = errors.New("hci: unknown connection")

	l, err := s.manager().Start(context.Background(), defaultConfig())
	s.Require().NoError(err)

	s.Error(l.Stop(), "first Stop MUST report the withdraw failure")
	s.NoError(l.Stop())
	s.NoError(l.Stop())
	s.Equal(1, s.host.Advertisement().Calls(), "withdraw MUST reach the host exactly once")

	// A stopped lease never fires
	s.clock.Add(time.Minute)
	select {
	case <-l.Done():
		s.Fail("stopped lease MUST NOT expire")
	default:
	}
}

func (s *LeaseTestSuite) TestStartErrors() {
	s.Run("payload too large never reaches the host", func() {
		cfg := defaultConfig()
		cfg.ManufacturerData = make([]byte, 20)

		_, err := s.manager().Start(context.Background(), cfg)
		s.ErrorIs(err, host.ErrPayloadTooLarge)
		s.Empty(s.host.Advertised())
	})

	s.Run("scan response too large", func() {
		cfg := defaultConfig()
		cfg.LocalName = "a-peripheral-name-that-is-way-too-long"

		_, err := s.manager().Start(context.Background(), cfg)
		s.ErrorIs(err, host.ErrPayloadTooLarge)
	})

	s.Run("host rejection is normalized", func() {
		s.host.AdvertiseErr = errors.New("hci: Command Disallowed")
		defer func() { s.host.AdvertiseErr = nil }()

		_, err := s.manager().Start(context.Background(), defaultConfig())
		s.ErrorIs(err, host.ErrHostRejected)
	})

	s.Run("unknown host failure", func() {
		s.host.AdvertiseErr = errors.New("socket closed unexpectedly")
		defer func() { s.host.AdvertiseErr = nil }()

		_, err := s.manager().Start(context.Background(), defaultConfig())
		s.ErrorIs(err, host.ErrAdvertiseOther)
	})

	s.Run("nil config", func() {
		_, err := s.manager().Start(context.Background(), nil)
		s.ErrorIs(err, host.ErrAdvertiseOther)
	})
}

func TestLeaseTestSuite(t *testing.T) {
	suite.Run(t, new(LeaseTestSuite))
}

func TestAdvertisingDataSize(t *testing.T) {
	tests := []struct {
		name string
		cfg  host.AdvertiseConfig
		want int
	}{
		{name: "flags only", cfg: host.AdvertiseConfig{}, want: 3},
		{name: "two 16-bit services", cfg: host.AdvertiseConfig{ServiceUUIDs: []string{"180f", "1812"}}, want: 3 + 2 + 4},
		{name: "one 128-bit service", cfg: host.AdvertiseConfig{ServiceUUIDs: []string{"6e400001-b5a3-f393-e0a9-e50e24dcca9e"}}, want: 3 + 2 + 16},
		{name: "manufacturer data", cfg: host.AdvertiseConfig{ManufacturerData: []byte{1, 2, 3, 4}}, want: 3 + 4 + 4},
		{name: "appearance", cfg: host.AdvertiseConfig{Appearance: 964}, want: 3 + 4},
		{name: "default advertisement", cfg: *defaultConfig(), want: 3 + 6 + 8 + 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if got := AdvertisingDataSize(&cfg); got != tt.want {
				t.Errorf("AdvertisingDataSize() = %d, want %d", got, tt.want)
			}
		})
	}
}
