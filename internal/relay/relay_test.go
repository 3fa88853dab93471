package relay_test

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blip/internal/relay"
	"github.com/srg/blip/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type RelayTestSuite struct {
	suite.Suite
	logger *logrus.Logger
}

func (s *RelayTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.PanicLevel)
}

func (s *RelayTestSuite) newEngine(opts relay.Options) *relay.Engine {
	e := relay.NewEngine(opts, s.logger)
	s.T().Cleanup(func() { _ = e.Close() })
	return e
}

// nextRead waits for the active reader to deliver a result
func (s *RelayTestSuite) nextRead(e *relay.Engine) relay.ReadResult {
	ready := e.ReadReady()
	s.Require().NotNil(ready, "a reader MUST be installed")
	select {
	case res := <-ready:
		return res
	case <-time.After(2 * time.Second):
		s.FailNow("reader did not deliver a result")
		return relay.ReadResult{}
	}
}

func (s *RelayTestSuite) TestEcho() {
	// GOAL: Verify a chunk written by one central is notified unchanged to the other
	//
	// TEST SCENARIO: Install reader and writer → feed 3 bytes → handle read → writer receives the same 3 bytes

	e := s.newEngine(relay.Options{})
	r := testutils.NewFakeReader(512)
	w := testutils.NewFakeWriter(512)
	e.InstallReader(r)
	e.InstallWriter(w)

	r.Feed([]byte{0x01, 0x02, 0x03})
	e.HandleRead(s.nextRead(e))

	s.Equal([][]byte{{0x01, 0x02, 0x03}}, w.Chunks())
	s.Equal([]byte{0x01, 0x02, 0x03}, e.Buffer())
	s.True(e.HasReader(), "reader MUST stay installed after a chunk")

	r.Feed([]byte{0x04})
	e.HandleRead(s.nextRead(e))
	s.Equal([][]byte{{0x01, 0x02, 0x03}, {0x04}}, w.Chunks())

	stats := e.Stats()
	s.Equal(2, stats.Reads)
	s.Equal(4, stats.BytesIn)
	s.Equal(2, stats.Forwards)
	s.Equal(4, stats.BytesOut)
}

func (s *RelayTestSuite) TestReadIsBoundedByMTU() {
	e := s.newEngine(relay.Options{})
	r := testutils.NewFakeReader(4)
	e.InstallReader(r)

	r.Feed([]byte{1, 2, 3, 4, 5, 6})
	res := s.nextRead(e)
	s.Equal(4, res.N)
	e.HandleRead(res)
	s.Equal([]byte{1, 2, 3, 4}, e.Buffer())
}

func (s *RelayTestSuite) TestForwardWithoutWriterIsNoop() {
	// GOAL: Verify reads and ticks without a subscriber only update the relay buffer
	//
	// TEST SCENARIO: Install reader only → feed → handle read → tick → nothing fails, buffer updated

	e := s.newEngine(relay.Options{})
	r := testutils.NewFakeReader(64)
	e.InstallReader(r)

	r.Feed([]byte{0x05, 0x06})
	e.HandleRead(s.nextRead(e))
	e.TickForward()

	s.Equal([]byte{0x04, 0x05}, e.Buffer())
	s.Zero(e.Stats().Forwards)
	s.True(e.HasReader())
	s.False(e.HasWriter())
}

func (s *RelayTestSuite) TestAtMostOneReader() {
	// GOAL: Verify a new write attachment supersedes and closes the previous reader
	//
	// TEST SCENARIO: Install r1 → install r2 → r1 closed → only r2 data reaches the writer

	e := s.newEngine(relay.Options{})
	w := testutils.NewFakeWriter(64)
	e.InstallWriter(w)

	r1 := testutils.NewFakeReader(64)
	e.InstallReader(r1)
	r2 := testutils.NewFakeReader(64)
	e.InstallReader(r2)

	s.True(r1.IsClosed(), "replaced reader MUST be closed")
	s.False(r2.IsClosed())

	r2.Feed([]byte{0xaa})
	e.HandleRead(s.nextRead(e))
	s.Equal([][]byte{{0xaa}}, w.Chunks())
}

func (s *RelayTestSuite) TestAtMostOneWriter() {
	e := s.newEngine(relay.Options{InitialPayload: []byte{0x02}})
	w1 := testutils.NewFakeWriter(64)
	w2 := testutils.NewFakeWriter(64)
	e.InstallWriter(w1)
	e.InstallWriter(w2)

	s.True(w1.IsClosed(), "replaced writer MUST be closed")

	e.TickForward()
	s.Empty(w1.Chunks())
	s.Equal([][]byte{{0x01}}, w2.Chunks())
}

func (s *RelayTestSuite) TestIndependentFailure() {
	s.Run("write failure drops only the writer", func() {
		e := s.newEngine(relay.Options{})
		r := testutils.NewFakeReader(64)
		w := testutils.NewFakeWriter(64)
		e.InstallReader(r)
		e.InstallWriter(w)

		w.FailNext(errors.New("notify: connection lost"))
		r.Feed([]byte{0x01})
		e.HandleRead(s.nextRead(e))

		s.False(e.HasWriter())
		s.True(w.IsClosed())
		s.True(e.HasReader(), "reader MUST survive a write failure")
		s.Equal(1, e.Stats().WritersDropped)

		r.Feed([]byte{0x02})
		e.HandleRead(s.nextRead(e))
		s.Equal([]byte{0x02}, e.Buffer())
	})

	s.Run("read failure drops only the reader", func() {
		e := s.newEngine(relay.Options{InitialPayload: []byte{0x03}})
		r := testutils.NewFakeReader(64)
		w := testutils.NewFakeWriter(64)
		e.InstallReader(r)
		e.InstallWriter(w)

		r.Fail(errors.New("att: invalid handle"))
		e.HandleRead(s.nextRead(e))

		s.False(e.HasReader())
		s.Nil(e.ReadReady(), "read branch MUST leave the wait set")
		s.True(r.IsClosed())
		s.True(e.HasWriter(), "writer MUST survive a read failure")

		e.TickForward()
		s.Equal([][]byte{{0x02}}, w.Chunks())
	})
}

func (s *RelayTestSuite) TestPeerClose() {
	e := s.newEngine(relay.Options{InitialPayload: []byte{0x09}})
	r := testutils.NewFakeReader(64)
	w := testutils.NewFakeWriter(64)
	e.InstallReader(r)
	e.InstallWriter(w)

	r.CloseRemote()
	e.HandleRead(s.nextRead(e))

	s.False(e.HasReader())
	s.Nil(e.ReadReady())
	s.Empty(w.Chunks(), "peer close MUST NOT forward anything")
	s.Equal([]byte{0x09}, e.Buffer(), "peer close MUST NOT touch the relay buffer")
}

func (s *RelayTestSuite) TestTickSaturation() {
	// GOAL: Verify the decrement transform reaches and stays at zero
	//
	// TEST SCENARIO: Seed 10 01 01 10 → tick → 0f 00 00 0f → 20 more ticks → 00 00 00 00

	e := s.newEngine(relay.Options{InitialPayload: []byte{0x10, 0x01, 0x01, 0x10}})
	w := testutils.NewFakeWriter(64)
	e.InstallWriter(w)

	e.TickForward()
	s.Equal([]byte{0x0f, 0x00, 0x00, 0x0f}, w.Chunks()[0])

	for i := 0; i < 20; i++ {
		e.TickForward()
	}
	chunks := w.Chunks()
	s.Len(chunks, 21)
	s.Equal([]byte{0x00, 0x00, 0x00, 0x00}, chunks[len(chunks)-1])
	s.Equal(21, e.Stats().Ticks)
}

func (s *RelayTestSuite) TestTransformErrorKeepsPayload() {
	failing := relay.TransformFunc{Label: "broken", Fn: func([]byte) ([]byte, error) {
		return nil, errors.New("boom")
	}}
	e := s.newEngine(relay.Options{Transform: failing, InitialPayload: []byte{0x07}})
	w := testutils.NewFakeWriter(64)
	e.InstallWriter(w)

	e.TickForward()
	s.Equal([][]byte{{0x07}}, w.Chunks())
	s.Equal(1, e.Stats().TransformErrs)
}

func (s *RelayTestSuite) TestCloseReleasesEverything() {
	e := relay.NewEngine(relay.Options{}, s.logger)
	r := testutils.NewFakeReader(64)
	w := testutils.NewFakeWriter(64)
	e.InstallReader(r)
	e.InstallWriter(w)

	s.NoError(e.Close())
	s.True(r.IsClosed())
	s.True(w.IsClosed())
	s.False(e.HasReader())
	s.False(e.HasWriter())
	s.NoError(e.Close(), "second Close MUST be a no-op")
}

func (s *RelayTestSuite) TestJournalRecordsActivity() {
	e := s.newEngine(relay.Options{InitialPayload: []byte{0x02}})
	w := testutils.NewFakeWriter(64)
	e.InstallWriter(w)
	e.TickForward()

	records := e.Journal().Drain()
	s.Require().Len(records, 2)
	s.Equal(relay.JournalTick, records[0].Kind)
	s.Equal(relay.JournalForward, records[1].Kind)
	s.Equal("01", records[1].Preview)
	s.Empty(e.Journal().Drain(), "drain MUST empty the journal")
}

func TestRelayTestSuite(t *testing.T) {
	suite.Run(t, new(RelayTestSuite))
}
