package trigger

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestRingChannelCoalesces(t *testing.T) {
	rc := NewRingChannel[int](1)

	assert.False(t, rc.Send(1))
	assert.True(t, rc.Send(2), "full buffer MUST drop the oldest element")
	assert.True(t, rc.Send(3))

	assert.Equal(t, 1, rc.Len())
	assert.Equal(t, 3, <-rc.C())
	assert.Equal(t, int64(3), rc.Written())
	assert.Equal(t, int64(2), rc.Overwritten())
}

func TestRingChannelRejectsZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { NewRingChannel[int](0) })
}

func TestTickerFires(t *testing.T) {
	mock := clock.NewMock()
	tk := NewTicker(context.Background(), mock, time.Second, quietLogger())
	defer tk.Stop()

	mock.Add(time.Second)
	select {
	case now := <-tk.C():
		assert.Equal(t, mock.Now(), now)
	case <-time.After(2 * time.Second):
		t.Fatal("tick not delivered")
	}

	tk.Stop()
	tk.Stop()
}

func TestDisabledTicker(t *testing.T) {
	tk := NewTicker(context.Background(), clock.NewMock(), 0, nil)
	assert.Nil(t, tk.C(), "disabled ticker MUST never be ready")
	assert.Zero(t, tk.Coalesced())
	tk.Stop()
}

func TestLineStopFiresOnEnter(t *testing.T) {
	// GOAL: Verify pressing Enter on a terminal requests a stop
	//
	// TEST SCENARIO: Open a PTY → LineStop reads the slave → type "\n" on the master → C closes

	master, slave, err := pty.Open()
	require.NoError(t, err)
	defer master.Close()
	defer slave.Close()

	stop := NewLineStop(context.Background(), slave, quietLogger())

	select {
	case <-stop.C():
		t.Fatal("stop fired before any input")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = master.Write([]byte("\n"))
	require.NoError(t, err)

	select {
	case <-stop.C():
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not fire after Enter")
	}
}

func TestLineStopIgnoresEOF(t *testing.T) {
	stop := NewLineStop(context.Background(), strings.NewReader(""), quietLogger())

	select {
	case <-stop.C():
		t.Fatal("end of input MUST NOT stop the session")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSignalContext(t *testing.T) {
	ctx, stop := SignalContext(context.Background(), quietLogger(), unix.SIGUSR1)
	defer stop()

	require.NoError(t, unix.Kill(unix.Getpid(), unix.SIGUSR1))

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled by signal")
	}
}
