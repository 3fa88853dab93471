package negotiator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blip/internal/host"
	"github.com/srg/blip/internal/negotiator"
	"github.com/srg/blip/internal/profile"
	"github.com/srg/blip/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type NegotiatorTestSuite struct {
	suite.Suite
	host *testutils.FakeHost
	neg  *negotiator.Negotiator
}

func (s *NegotiatorTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	s.host = testutils.NewFakeHost(s.T())
	s.neg = negotiator.New(s.host, profile.RelayCharacteristicUUID, logger)
	s.neg.Start(context.Background())
}

func (s *NegotiatorTestSuite) TearDownTest() {
	s.neg.Close()
}

func (s *NegotiatorTestSuite) next() (negotiator.Event, bool) {
	select {
	case ev, ok := <-s.neg.Events():
		return ev, ok
	case <-time.After(2 * time.Second):
		s.FailNow("no event received")
		return negotiator.Event{}, false
	}
}

// sendAsync delivers requests from another goroutine, since delivery is unbuffered
func (s *NegotiatorTestSuite) sendAsync(fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	return done
}

func (s *NegotiatorTestSuite) TestWriteAndNotifyEvents() {
	// GOAL: Verify write and notify requests become events whose Accept yields the streams
	//
	// TEST SCENARIO: Attach write (mtu 185) → WriteAttached with reader → attach notify → NotifyAttached with writer

	var reader *testutils.FakeReader
	sent := s.sendAsync(func() { reader = s.host.AttachWrite(185) })

	ev, ok := s.next()
	s.Require().True(ok)
	<-sent
	s.Equal(negotiator.WriteAttached, ev.Kind)
	s.Equal(185, ev.MTU)
	s.True(s.neg.Attached(negotiator.WriteAttached))

	att, err := ev.Accept()
	s.Require().NoError(err)
	s.Same(reader, att.Reader)
	s.Nil(att.Writer)

	var writer *testutils.FakeWriter
	sent = s.sendAsync(func() { writer = s.host.AttachNotify(247) })
	ev, ok = s.next()
	s.Require().True(ok)
	<-sent
	s.Equal(negotiator.NotifyAttached, ev.Kind)

	att, err = ev.Accept()
	s.Require().NoError(err)
	s.Same(writer, att.Writer)
}

func (s *NegotiatorTestSuite) TestIgnoresOtherCharacteristicsAndDetach() {
	// GOAL: Verify only relay attachments are forwarded, in order
	//
	// TEST SCENARIO: Request on 2a19 → detach → write on relay → only WriteAttached arrives

	sent := s.sendAsync(func() {
		s.host.Send(host.Request{Characteristic: "2a19", Op: host.OpNotify})
		s.host.Detach(host.OpNotify)
		s.host.AttachWrite(23)
	})

	ev, ok := s.next()
	s.Require().True(ok)
	<-sent
	s.Equal(negotiator.WriteAttached, ev.Kind)
	s.False(s.neg.Attached(negotiator.NotifyAttached))
}

func (s *NegotiatorTestSuite) TestDetachClearsAttachedFlag() {
	sent := s.sendAsync(func() { s.host.AttachWrite(23) })
	_, _ = s.next()
	<-sent
	s.True(s.neg.Attached(negotiator.WriteAttached))

	sent = s.sendAsync(func() {
		s.host.Detach(host.OpWrite)
		s.host.AttachNotify(23)
	})
	ev, _ := s.next()
	<-sent
	s.Equal(negotiator.NotifyAttached, ev.Kind)
	s.False(s.neg.Attached(negotiator.WriteAttached))
}

func (s *NegotiatorTestSuite) TestAcceptFailure() {
	cause := errors.New("att: request not supported")
	sent := s.sendAsync(func() { s.host.AttachFailing(host.OpWrite, cause) })

	ev, ok := s.next()
	s.Require().True(ok)
	<-sent

	_, err := ev.Accept()
	s.ErrorIs(err, negotiator.ErrAcceptFailed)
	s.ErrorIs(err, cause)
}

func (s *NegotiatorTestSuite) TestControlClosedExactlyOnce() {
	// GOAL: Verify the end of the host control channel yields one ControlClosed, then nothing
	//
	// TEST SCENARIO: Close host → ControlClosed → events channel closed

	s.Require().NoError(s.host.Close())

	ev, ok := s.next()
	s.Require().True(ok)
	s.Equal(negotiator.ControlClosed, ev.Kind)

	_, err := ev.Accept()
	s.ErrorIs(err, negotiator.ErrAcceptFailed)

	_, ok = s.next()
	s.False(ok, "events MUST be closed after ControlClosed")
}

func (s *NegotiatorTestSuite) TestCloseStopsWithoutEvents() {
	s.neg.Close()

	_, ok := s.next()
	s.False(ok, "Close MUST NOT emit ControlClosed")
	s.neg.Close()
}

func TestNegotiatorTestSuite(t *testing.T) {
	suite.Run(t, new(NegotiatorTestSuite))
}

func TestCloseBeforeStart(t *testing.T) {
	h := testutils.NewFakeHost(t)
	n := negotiator.New(h, profile.RelayCharacteristicUUID, nil)
	n.Close()

	_, ok := <-n.Events()
	if ok {
		t.Fatal("events of a never-started negotiator MUST be closed by Close")
	}
}
