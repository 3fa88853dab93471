package goble

import (
	"errors"
	"fmt"
	"strings"
)

// Device-level errors
var (
	ErrBluetoothOff = errors.New("bluetooth is turned off")
	ErrPermission   = errors.New("insufficient permissions to open the HCI device")
)

// NormalizeDeviceError maps known go-ble device creation errors to sentinel errors,
// keeping the original error in the chain.
func NormalizeDeviceError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %w", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "is bluetooth turned on"):
		return fmt.Errorf("%w: %w", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "operation not permitted"),
		containsIgnoreCase(msg, "permission denied"):
		return fmt.Errorf("%w: %w", ErrPermission, err)
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
