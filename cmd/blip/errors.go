package main

import (
	"errors"
	"fmt"

	"github.com/srg/blip/internal/host"
	goble "github.com/srg/blip/internal/host/go-ble"
	"github.com/srg/blip/internal/script"
)

// Command-level errors
var (
	// ErrHostUnavailable indicates no Bluetooth host could be opened for the peripheral.
	ErrHostUnavailable = errors.New("bluetooth host unavailable")
)

// FormatUserError turns a command error into a one-line message an operator can act on
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, goble.ErrBluetoothOff):
		return "Bluetooth is turned off. Enable the adapter and try again."
	case errors.Is(err, goble.ErrPermission):
		return "Not permitted to use the Bluetooth adapter. Run with the required privileges (e.g. CAP_NET_ADMIN) and try again."
	case errors.Is(err, host.ErrPayloadTooLarge):
		return fmt.Sprintf("Advertisement does not fit in 31 bytes; shorten the name or manufacturer data (%v)", err)
	case errors.Is(err, host.ErrHostRejected):
		return fmt.Sprintf("The Bluetooth host refused to advertise; another process may be advertising (%v)", err)
	case errors.Is(err, host.ErrAdvertiseOther):
		return fmt.Sprintf("Failed to start advertising: %v", err)
	case errors.Is(err, host.ErrRegistration):
		return fmt.Sprintf("Failed to register the GATT application: %v", err)
	case errors.Is(err, script.ErrSyntax), errors.Is(err, script.ErrRuntime), errors.Is(err, script.ErrAPI):
		return fmt.Sprintf("Transform script failed: %v", err)
	default:
		return err.Error()
	}
}
