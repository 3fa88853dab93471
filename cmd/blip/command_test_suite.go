package main

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/srg/blip/internal/host"
	"github.com/srg/blip/internal/testutils"
	"github.com/srg/blip/pkg/config"
	"github.com/stretchr/testify/suite"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writers a running session has
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// commandRun is a command executing in the background
type commandRun struct {
	stdout *syncBuffer
	stderr *syncBuffer
	done   chan error
}

// CommandTestSuite runs cobra commands against a fake host and a mock clock.
// All cmd/blip test suites should embed it.
type CommandTestSuite struct {
	suite.Suite
	Host  *testutils.FakeHost
	Clock *clock.Mock

	originalHostFactory func(*config.Config, *logrus.Logger) (host.Host, error)
	originalClock       clock.Clock
}

func (s *CommandTestSuite) SetupSuite() {
	s.originalHostFactory = hostFactory
	s.originalClock = serveClock
}

func (s *CommandTestSuite) TearDownSuite() {
	hostFactory = s.originalHostFactory
	serveClock = s.originalClock
}

// SetupTest installs a fresh fake host and mock clock; subtests call it again for isolation
func (s *CommandTestSuite) SetupTest() {
	s.Host = testutils.NewFakeHost(s.T())
	s.Clock = clock.NewMock()

	hostFactory = func(*config.Config, *logrus.Logger) (host.Host, error) {
		return s.Host, nil
	}
	serveClock = s.Clock
	color.NoColor = true

	// Flags keep their values between Execute calls; start every test from the defaults
	serveCmd.ResetFlags()
	addServeFlags(serveCmd)
	profileCmd.ResetFlags()
	addProfileFlags(profileCmd)
	s.Require().NoError(rootCmd.PersistentFlags().Set("config", ""))
	s.Require().NoError(rootCmd.PersistentFlags().Set("log-level", ""))
}

// StartCommand executes the root command with args in the background
func (s *CommandTestSuite) StartCommand(stdin io.Reader, args ...string) *commandRun {
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	run := &commandRun{stdout: &syncBuffer{}, stderr: &syncBuffer{}, done: make(chan error, 1)}
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(run.stdout)
	rootCmd.SetErr(run.stderr)
	rootCmd.SetArgs(args)
	go func() {
		run.done <- rootCmd.Execute()
	}()
	return run
}

// Wait returns the command error, failing the test if it does not finish in time
func (s *CommandTestSuite) Wait(run *commandRun) error {
	select {
	case err := <-run.done:
		return err
	case <-time.After(5 * time.Second):
		s.FailNow("command did not finish", "stdout:\n%s\nstderr:\n%s", run.stdout, run.stderr)
		return nil
	}
}

// ExecuteCommand runs the root command with args and returns stdout and the error
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	run := s.StartCommand(nil, args...)
	err := s.Wait(run)
	return run.stdout.String(), err
}

// WaitRunning blocks until the session registered its application
func (s *CommandTestSuite) WaitRunning(run *commandRun) {
	s.Require().Eventually(func() bool {
		return s.Host.Registration() != nil
	}, 2*time.Second, time.Millisecond, "session did not start\nstderr:\n%s", run.stderr)
}
