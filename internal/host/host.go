package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/srg/blip/internal/profile"
)

// AdvertiseErrorKind classifies advertising failures
type AdvertiseErrorKind string

const (
	// PayloadTooLarge means the advertisement data exceeds what the host can carry
	PayloadTooLarge AdvertiseErrorKind = "payload_too_large"
	// HostRejected means the host refused to start advertising
	HostRejected AdvertiseErrorKind = "host_rejected"
	// Other covers any unclassified advertising failure
	Other AdvertiseErrorKind = "other"
)

// AdvertiseError represents a failure to start advertising. All kinds are fatal at startup.
type AdvertiseError struct {
	Kind AdvertiseErrorKind
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *AdvertiseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap exposes the underlying host error
func (e *AdvertiseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare AdvertiseError values by Kind
func (e *AdvertiseError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*AdvertiseError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for advertising failures
var (
	ErrPayloadTooLarge = &AdvertiseError{Kind: PayloadTooLarge}
	ErrHostRejected    = &AdvertiseError{Kind: HostRejected}
	ErrAdvertiseOther  = &AdvertiseError{Kind: Other}
)

// Host-level errors
var (
	// ErrClosed is returned by operations on a host, reader or writer that was already closed.
	ErrClosed = errors.New("closed")
	// ErrRegistration wraps a GATT application registration failure.
	ErrRegistration = errors.New("gatt application registration failed")
)

// IsAdvertiseKind reports whether err is an AdvertiseError with the given kind
func IsAdvertiseKind(err error, kind AdvertiseErrorKind) bool {
	var aerr *AdvertiseError
	if errors.As(err, &aerr) {
		return aerr.Kind == kind
	}
	return false
}

// NormalizeError maps known host error strings to structured AdvertiseError values.
// Errors that are already classified, and context errors, are returned unchanged.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	var aerr *AdvertiseError
	if errors.As(err, &aerr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "not fit"),
		containsIgnoreCase(msg, "too long"),
		containsIgnoreCase(msg, "invalid length"):
		return &AdvertiseError{Kind: PayloadTooLarge, Err: err}
	case containsIgnoreCase(msg, "rejected"),
		containsIgnoreCase(msg, "not permitted"),
		containsIgnoreCase(msg, "command disallowed"),
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "failed"):
		return &AdvertiseError{Kind: HostRejected, Err: err}
	default:
		return &AdvertiseError{Kind: Other, Err: err}
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// AdvertiseConfig describes the LE advertisement
type AdvertiseConfig struct {
	ServiceUUIDs     []string
	ManufacturerID   uint16
	ManufacturerData []byte
	Discoverable     bool
	Appearance       uint16
	LeaseDuration    time.Duration
	LocalName        string
}

// Advertisement is a running advertisement owned by the host
type Advertisement interface {
	// Withdraw stops advertising. Safe to call more than once.
	Withdraw() error
}

// Registration is a GATT application registered with the host
type Registration interface {
	// Unregister removes the application. Safe to call more than once.
	Unregister() error
}

// DefaultMTU is the ATT MTU before any exchange
const DefaultMTU = 23

// Reader is the inbound byte stream of a write attachment.
// Read returns (0, io.EOF) once the central closes the stream.
type Reader interface {
	io.ReadCloser
	MTU() int
}

// Writer is the outbound byte stream of a notify attachment.
// Write accepts any length and chunks to MTU; a failed write invalidates the writer.
type Writer interface {
	io.WriteCloser
	MTU() int
}

// Op is the kind of control-plane request a central issues against a characteristic
type Op int

const (
	// OpWrite means a central opened the characteristic for writing
	OpWrite Op = iota
	// OpNotify means a central subscribed to notifications
	OpNotify
	// OpDetach means a central closed its attachment
	OpDetach
)

func (o Op) String() string {
	switch o {
	case OpWrite:
		return "write"
	case OpNotify:
		return "notify"
	case OpDetach:
		return "detach"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Request is a raw control-plane notification from the host.
// For OpWrite AcceptReader materializes the inbound stream, for OpNotify AcceptWriter the
// outbound one. OpDetach carries the kind that was detached in Detached.
type Request struct {
	Characteristic string
	Op             Op
	Detached       Op
	MTU            int
	Remote         string

	AcceptReader func() (Reader, error)
	AcceptWriter func() (Writer, error)
}

// Host is the BLE host capability the peripheral runs on
type Host interface {
	// Advertise starts advertising. Errors are *AdvertiseError.
	Advertise(ctx context.Context, cfg *AdvertiseConfig) (Advertisement, error)

	// RegisterApplication serves the GATT application.
	RegisterApplication(ctx context.Context, app *profile.Application) (Registration, error)

	// Requests delivers attach/detach notifications; closed when the control channel ends.
	Requests() <-chan Request

	// Close releases the host and closes Requests.
	Close() error
}
