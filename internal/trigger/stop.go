package trigger

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blip/internal/groutine"
	"golang.org/x/sys/unix"
)

// LineStop fires when a line (the operator pressing Enter) is read from its input
type LineStop struct {
	done chan struct{}
	once sync.Once
}

// NewLineStop starts reading lines from r. End of input does not fire the stop.
func NewLineStop(ctx context.Context, r io.Reader, logger *logrus.Logger) *LineStop {
	if logger == nil {
		logger = logrus.New()
	}
	s := &LineStop{done: make(chan struct{})}

	groutine.Go(ctx, "line-stop", func(ctx context.Context) {
		scanner := bufio.NewScanner(r)
		if scanner.Scan() {
			logger.Debug("Stop requested from input")
			s.fire()
			return
		}
		if err := scanner.Err(); err != nil {
			logger.WithError(err).Debug("Stop input failed")
		}
	})
	return s
}

func (s *LineStop) fire() {
	s.once.Do(func() { close(s.done) })
}

// C is closed once a line was read
func (s *LineStop) C() <-chan struct{} {
	return s.done
}

// DefaultSignals are the process signals that cancel a session
var DefaultSignals = []os.Signal{unix.SIGINT, unix.SIGTERM}

// SignalContext returns a context canceled on the first of the given signals (DefaultSignals
// when none are given). The returned stop function releases the signal handler.
func SignalContext(parent context.Context, logger *logrus.Logger, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	if logger == nil {
		logger = logrus.New()
	}
	if len(sigs) == 0 {
		sigs = DefaultSignals
	}

	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	groutine.Go(ctx, "signal-stop", func(ctx context.Context) {
		select {
		case sig := <-ch:
			logger.WithField("signal", sig.String()).Info("Received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	})

	return ctx, func() {
		signal.Stop(ch)
		cancel()
	}
}
