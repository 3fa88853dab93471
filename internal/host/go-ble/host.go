// Package goble implements host.Host on top of github.com/go-ble/ble.
//
// go-ble exposes characteristics as request handlers rather than streams. The host bridges the
// two: the first write of a central opens an inbound pipe for it and announces a write
// attachment; a notification subscription is announced as a notify attachment whose writer
// stays valid until the central unsubscribes or the relay closes it.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blip/internal/bledb"
	"github.com/srg/blip/internal/groutine"
	"github.com/srg/blip/internal/host"
	"github.com/srg/blip/internal/profile"
)

const (
	// DefaultSettleTime is how long Advertise waits for an early failure from the stack
	DefaultSettleTime = 200 * time.Millisecond

	// DefaultWithdrawTimeout bounds the wait for the advertising call to return
	DefaultWithdrawTimeout = 2 * time.Second
)

// Options configures a Host
type Options struct {
	// RelayCharacteristic gets the write and notify handlers that feed the relay
	RelayCharacteristic string
	// ReadValues holds the static values served by readable characteristics, keyed by UUID
	ReadValues map[string][]byte
	// PipeCapacity is the inbound buffer size per central, in bytes
	PipeCapacity int
	SettleTime   time.Duration
}

// Host serves the relay on a go-ble device
type Host struct {
	dev    Peripheral
	opts   Options
	relay  string
	logger *logrus.Logger

	pipes    *hashmap.Map[string, *inboundPipe]
	inbox    chan host.Request
	requests chan host.Request

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a host on dev
func New(dev Peripheral, opts Options, logger *logrus.Logger) *Host {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.RelayCharacteristic == "" {
		opts.RelayCharacteristic = profile.RelayCharacteristicUUID
	}
	if opts.PipeCapacity <= 0 {
		opts.PipeCapacity = DefaultPipeCapacity
	}
	if opts.SettleTime <= 0 {
		opts.SettleTime = DefaultSettleTime
	}

	h := &Host{
		dev:      dev,
		opts:     opts,
		relay:    bledb.NormalizeUUID(opts.RelayCharacteristic),
		logger:   logger,
		pipes:    hashmap.New[string, *inboundPipe](),
		inbox:    make(chan host.Request),
		requests: make(chan host.Request),
		closed:   make(chan struct{}),
	}
	groutine.Go(context.Background(), "goble-requests", h.forwardRequests)
	return h
}

// Open creates a host on the platform device returned by DeviceFactory
func Open(opts Options, logger *logrus.Logger) (*Host, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to open BLE device: %w", err)
	}
	return New(dev, opts, logger), nil
}

// forwardRequests owns the outbound requests channel so handlers never send on a closed one
func (h *Host) forwardRequests(_ context.Context) {
	defer close(h.requests)
	for {
		select {
		case <-h.closed:
			return
		case req := <-h.inbox:
			select {
			case h.requests <- req:
			case <-h.closed:
				return
			}
		}
	}
}

// emit hands a request to the forwarder; it reports false once the host is closed
func (h *Host) emit(req host.Request) bool {
	select {
	case h.inbox <- req:
		return true
	case <-h.closed:
		return false
	}
}

// Requests implements host.Host
func (h *Host) Requests() <-chan host.Request {
	return h.requests
}

// Advertise implements host.Host. go-ble advertises until the call's context is done, so the
// advertisement runs in the background and only failures reported within the settle time are
// returned here.
func (h *Host) Advertise(_ context.Context, cfg *host.AdvertiseConfig) (host.Advertisement, error) {
	select {
	case <-h.closed:
		return nil, &host.AdvertiseError{Kind: host.Other, Msg: "host is closed", Err: host.ErrClosed}
	default:
	}

	uuids := make([]ble.UUID, 0, len(cfg.ServiceUUIDs))
	for _, s := range cfg.ServiceUUIDs {
		u, err := ble.Parse(s)
		if err != nil {
			return nil, &host.AdvertiseError{Kind: host.Other, Msg: fmt.Sprintf("invalid service UUID %q", s), Err: err}
		}
		uuids = append(uuids, u)
	}

	if len(cfg.ManufacturerData) > 0 || cfg.Appearance != 0 {
		h.logger.WithFields(logrus.Fields{
			"manufacturer_id": fmt.Sprintf("0x%04x", cfg.ManufacturerID),
			"appearance":      cfg.Appearance,
		}).Debug("go-ble advertises name and services only, manufacturer data and appearance are not broadcast")
	}

	advCtx, cancel := context.WithCancel(context.Background())
	adv := &advertisement{cancel: cancel, done: make(chan struct{})}

	groutine.Go(advCtx, "goble-advertise", func(ctx context.Context) {
		defer close(adv.done)
		adv.err = h.dev.AdvertiseNameAndServices(ctx, cfg.LocalName, uuids...)
	})

	select {
	case <-adv.done:
		cancel()
		if adv.err == nil || errors.Is(adv.err, context.Canceled) {
			return nil, &host.AdvertiseError{Kind: host.Other, Msg: "advertising stopped immediately"}
		}
		return nil, host.NormalizeError(adv.err)
	case <-time.After(h.opts.SettleTime):
	}

	h.logger.WithFields(logrus.Fields{
		"name":     cfg.LocalName,
		"services": cfg.ServiceUUIDs,
	}).Debug("go-ble advertising")
	return adv, nil
}

type advertisement struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	once   sync.Once
}

// Withdraw implements host.Advertisement
func (a *advertisement) Withdraw() error {
	var err error
	a.once.Do(func() {
		a.cancel()
		select {
		case <-a.done:
			if a.err != nil && !errors.Is(a.err, context.Canceled) && !errors.Is(a.err, context.DeadlineExceeded) {
				err = a.err
			}
		case <-time.After(DefaultWithdrawTimeout):
			err = fmt.Errorf("advertising did not stop within %s", DefaultWithdrawTimeout)
		}
	})
	return err
}

// RegisterApplication implements host.Host
func (h *Host) RegisterApplication(_ context.Context, app *profile.Application) (host.Registration, error) {
	if err := app.ValidateRelay(h.opts.RelayCharacteristic); err != nil {
		return nil, err
	}

	for i := range app.Services {
		svc, err := h.buildService(&app.Services[i])
		if err != nil {
			return nil, err
		}
		if err := h.dev.AddService(svc); err != nil {
			if rmErr := h.dev.RemoveAllServices(); rmErr != nil {
				h.logger.WithError(rmErr).Warn("Failed to roll back GATT services")
			}
			return nil, fmt.Errorf("failed to add service %s: %w", app.Services[i].UUID, err)
		}
		h.logger.WithFields(logrus.Fields{
			"service": app.Services[i].UUID,
			"name":    app.Services[i].KnownName(),
		}).Debug("Service added")
	}
	return &registration{dev: h.dev}, nil
}

func (h *Host) buildService(s *profile.Service) (*ble.Service, error) {
	uuid, err := ble.Parse(s.UUID)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", s.UUID, err)
	}
	if !s.Primary {
		h.logger.WithField("service", s.UUID).Debug("go-ble has no secondary services, registering as primary")
	}

	svc := ble.NewService(uuid)
	for j := range s.Characteristics {
		c := &s.Characteristics[j]
		cu, err := ble.Parse(c.UUID)
		if err != nil {
			return nil, fmt.Errorf("invalid characteristic UUID %q: %w", c.UUID, err)
		}
		char := svc.NewCharacteristic(cu)
		normalized := bledb.NormalizeUUID(c.UUID)

		if c.Read {
			value := h.opts.ReadValues[normalized]
			char.HandleRead(ble.ReadHandlerFunc(func(_ ble.Request, rsp ble.ResponseWriter) {
				_, _ = rsp.Write(value)
			}))
		}
		if c.Write {
			char.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, _ ble.ResponseWriter) {
				conn := req.Conn()
				h.onWrite(conn.Disconnected(), normalized, conn.RemoteAddr().String(), conn.RxMTU(), req.Data())
			}))
		}
		if c.Notify {
			char.HandleNotify(ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
				conn := req.Conn()
				h.serveNotify(normalized, conn.RemoteAddr().String(), conn.TxMTU(), n)
			}))
		}
	}
	return svc, nil
}

type registration struct {
	dev  Peripheral
	once sync.Once
}

// Unregister implements host.Registration
func (r *registration) Unregister() error {
	var err error
	r.once.Do(func() {
		err = r.dev.RemoveAllServices()
	})
	return err
}

// onWrite handles one ATT write. The first write of a central on the relay characteristic
// announces a write attachment backed by a fresh inbound pipe, which ends when disconnected closes.
func (h *Host) onWrite(disconnected <-chan struct{}, char, remote string, mtu int, data []byte) {
	if char != h.relay {
		h.logger.WithFields(logrus.Fields{
			"characteristic": char,
			"remote":         remote,
			"bytes":          len(data),
		}).Debug("Ignoring write to non-relay characteristic")
		return
	}

	pipe, loaded := h.pipes.Get(remote)
	if !loaded {
		pipe, loaded = h.pipes.GetOrInsert(remote, newInboundPipe(h.opts.PipeCapacity, mtu))
	}
	if !loaded {
		h.logger.WithFields(logrus.Fields{"remote": remote, "mtu": mtu}).Debug("Central opened the relay for writing")
		accepted := h.emit(host.Request{
			Characteristic: char,
			Op:             host.OpWrite,
			MTU:            mtu,
			Remote:         remote,
			AcceptReader:   func() (host.Reader, error) { return pipe, nil },
		})
		if !accepted {
			h.pipes.Del(remote)
			return
		}
		groutine.Go(context.Background(), "goble-write-watch", func(context.Context) {
			select {
			case <-disconnected:
				h.logger.WithField("remote", remote).Debug("Central disconnected")
			case <-h.closed:
			}
			h.pipes.Del(remote)
			pipe.closeRemote()
			h.emit(host.Request{Characteristic: char, Op: host.OpDetach, Detached: host.OpWrite, Remote: remote})
		})
	}

	if _, err := pipe.push(data); err != nil && !errors.Is(err, host.ErrClosed) {
		h.logger.WithError(err).WithField("remote", remote).Warn("Inbound buffer full, dropping data")
	}
}

// serveNotify announces a notify attachment and keeps the go-ble handler alive until the central
// unsubscribes or the relay closes the writer
func (h *Host) serveNotify(char, remote string, mtu int, n notifier) {
	if char != h.relay {
		<-n.Context().Done()
		return
	}

	w := newNotifyWriter(n, mtu)
	h.logger.WithFields(logrus.Fields{"remote": remote, "mtu": mtu}).Debug("Central subscribed to relay notifications")
	if !h.emit(host.Request{
		Characteristic: char,
		Op:             host.OpNotify,
		MTU:            mtu,
		Remote:         remote,
		AcceptWriter:   func() (host.Writer, error) { return w, nil },
	}) {
		return
	}

	select {
	case <-n.Context().Done():
		h.emit(host.Request{Characteristic: char, Op: host.OpDetach, Detached: host.OpNotify, Remote: remote})
	case <-w.closed:
	case <-h.closed:
	}
}

// Close stops the device and ends the request channel. Safe to call more than once.
func (h *Host) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.closed)
		h.pipes.Range(func(remote string, p *inboundPipe) bool {
			p.closeRemote()
			return true
		})
		if stopErr := h.dev.Stop(); stopErr != nil {
			err = fmt.Errorf("failed to stop BLE device: %w", stopErr)
		}
	})
	return err
}
