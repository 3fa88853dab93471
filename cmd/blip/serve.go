package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blip"
	"github.com/srg/blip/internal/host"
	goble "github.com/srg/blip/internal/host/go-ble"
	"github.com/srg/blip/internal/lease"
	"github.com/srg/blip/internal/profile"
	"github.com/srg/blip/internal/relay"
	"github.com/srg/blip/internal/script"
	"github.com/srg/blip/internal/session"
	"github.com/srg/blip/internal/trigger"
	"github.com/srg/blip/pkg/config"
	"golang.org/x/term"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Advertise and relay data between centrals",
	Long: `Advertise as a BLE peripheral and relay data between connected centrals.

Data a central writes to the relay characteristic is notified to the subscribed central.
With --tick the relay buffer is transformed and notified periodically even without writes.
The session ends when the advertising lease expires, Enter is pressed, the host goes away
or the process is interrupted.`,
	Example: `  blip serve --name gamepad --duration 60s
  blip serve --tick 500ms --initial-payload 10010110
  blip serve --tick 1s --transform lua --transform-script examples/transform.lua`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveName            string
	serveDuration        time.Duration
	serveTick            time.Duration
	serveInitialPayload  string
	serveTransform       string
	serveTransformScript string
	serveGrace           time.Duration
	serveVerbose         bool
)

// hostFactory opens the Bluetooth host the session runs on
var hostFactory = func(cfg *config.Config, logger *logrus.Logger) (host.Host, error) {
	return goble.Open(goble.Options{
		RelayCharacteristic: cfg.Relay.Characteristic,
		ReadValues:          cfg.ReadValues(),
		PipeCapacity:        cfg.Relay.PipeCapacity,
	}, logger)
}

// serveClock drives the lease, ticks, grace period and countdown
var serveClock clock.Clock = clock.New()

func init() {
	addServeFlags(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&serveName, "name", "n", "", "Advertised local name")
	cmd.Flags().DurationVarP(&serveDuration, "duration", "d", 0, "Advertising lease (0 for no expiry, at most 3m)")
	cmd.Flags().DurationVar(&serveTick, "tick", 0, "Transform and notify the relay buffer at this interval (0 disables)")
	cmd.Flags().StringVar(&serveInitialPayload, "initial-payload", "", "Hex bytes the relay buffer starts with")
	cmd.Flags().StringVar(&serveTransform, "transform", "", "Tick transform (decrement, identity, lua)")
	cmd.Flags().StringVar(&serveTransformScript, "transform-script", "", "Lua file defining transform(payload)")
	cmd.Flags().DurationVar(&serveGrace, "grace", 0, "Wait after teardown before exiting")
	cmd.Flags().BoolVar(&serveVerbose, "verbose", false, "Enable debug logging")
}

// applyServeFlags overrides the loaded configuration with the flags given on the command line
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("name") {
		cfg.Advertising.LocalName = serveName
	}
	if flags.Changed("duration") {
		cfg.Advertising.Duration = serveDuration
	}
	if flags.Changed("tick") {
		cfg.Relay.TickInterval = serveTick
	}
	if flags.Changed("initial-payload") {
		payload, err := config.ParseHexBytes(serveInitialPayload)
		if err != nil {
			return fmt.Errorf("invalid --initial-payload: %w", err)
		}
		cfg.Relay.InitialPayload = payload
	}
	if flags.Changed("transform") {
		cfg.Relay.Transform = serveTransform
	}
	if flags.Changed("transform-script") {
		cfg.Relay.TransformScript = serveTransformScript
	}
	if flags.Changed("grace") {
		cfg.Session.GracePeriod = serveGrace
	}
	return cfg.Validate()
}

// buildTransform returns the tick transform and a function releasing it
func buildTransform(cfg *config.Config, logger *logrus.Logger) (relay.Transform, func(), error) {
	if !cfg.LuaTransform() {
		t, err := relay.BuiltinTransform(cfg.Relay.Transform)
		return t, func() {}, err
	}

	var (
		t   *script.Transform
		err error
	)
	if cfg.Relay.TransformScript != "" {
		t, err = script.LoadTransform(cfg.Relay.TransformScript, logger)
	} else {
		t, err = script.NewTransform(blip.DefaultTransformScript, "transform.lua", logger)
	}
	if err != nil {
		return nil, nil, err
	}
	return t, t.Close, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	transform, release, err := buildTransform(cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	app, err := cfg.Application()
	if err != nil {
		return err
	}

	h, err := hostFactory(cfg, logger)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHostUnavailable, err)
	}
	defer func() {
		if err := h.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close Bluetooth host")
		}
	}()

	base := cmd.Context()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := trigger.SignalContext(base, logger)
	defer cancel()

	out := cmd.OutOrStdout()
	interactive := isTerminal(cmd.InOrStdin()) && isTerminal(out)

	var stop <-chan struct{}
	if cfg.Session.StopOnEnter {
		stop = trigger.NewLineStop(ctx, cmd.InOrStdin(), logger).C()
	}

	ticker := trigger.NewTicker(ctx, serveClock, cfg.Relay.TickInterval, logger)
	defer ticker.Stop()

	sess := session.New(h, session.Config{
		Advertise:           cfg.AdvertiseConfig(),
		Application:         app,
		RelayCharacteristic: cfg.Relay.Characteristic,
		Relay: relay.Options{
			Transform:      transform,
			InitialPayload: cfg.Relay.InitialPayload,
			JournalSize:    cfg.Relay.JournalSize,
		},
		GracePeriod: cfg.Session.GracePeriod,
		Tick:        ticker.C(),
		Stop:        stop,
		Clock:       serveClock,
		Hooks:       newServeHooks(out, cfg, interactive),
	}, logger)

	outcome, err := sess.Run(ctx)
	if outcome == nil {
		return err
	}

	if n := ticker.Coalesced(); n > 0 {
		logger.WithField("coalesced", n).Debug("Ticks coalesced while the relay was busy")
	}
	printOutcome(out, outcome)
	return err
}

// newServeHooks prints a status line per startup phase and, on a terminal, the lease countdown
func newServeHooks(out io.Writer, cfg *config.Config, interactive bool) session.Hooks {
	ok := color.New(color.FgGreen, color.Bold)
	var (
		leaseDuration time.Duration
		progress      *ProgressPrinter
	)

	return session.Hooks{
		OnAdvertising: func(l *lease.Lease) {
			leaseDuration = l.Duration()
			_, _ = fmt.Fprintf(out, "Advertising as %q... ", cfg.Advertising.LocalName)
			_, _ = ok.Fprintln(out, "OK")
		},
		OnRegistered: func(app *profile.Application) {
			_, _ = fmt.Fprintf(out, "Registering GATT application (%d services)... ", len(app.Services))
			_, _ = ok.Fprintln(out, "OK")
		},
		OnRunning: func() {
			_, _ = fmt.Fprintf(out, "Relay ready on characteristic %s\n", cfg.Relay.Characteristic)
			if !interactive {
				return
			}
			if cfg.Session.StopOnEnter {
				_, _ = fmt.Fprintln(out, "Press Enter to stop")
			}
			progress = NewCountdownProgressPrinter(out, serveClock, "Relay running", "advertising", leaseDuration, "draining")
			progress.Start()
		},
		OnDraining: func(reason session.Reason) {
			if progress != nil {
				progress.Callback()("draining")
			}
			_, _ = fmt.Fprintf(out, "Stopping (%s)...\n", reason)
		},
	}
}

func printOutcome(out io.Writer, o *session.Outcome) {
	_, _ = fmt.Fprintf(out, "Session ended: %s after %s\n", o.Reason, o.Duration.Round(time.Millisecond))
	_, _ = fmt.Fprintf(out, "Relayed %d bytes in %d reads, notified %d bytes in %d forwards, %d ticks\n",
		o.Stats.BytesIn, o.Stats.Reads, o.Stats.BytesOut, o.Stats.Forwards, o.Stats.Ticks)
	if o.Stats.TransformErrs > 0 {
		_, _ = fmt.Fprintf(out, "Transform failed %d times\n", o.Stats.TransformErrs)
	}
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
