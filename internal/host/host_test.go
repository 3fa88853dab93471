package host

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind AdvertiseErrorKind
	}{
		{name: "go-ble packet overflow", err: errors.New("adv: data does not fit"), kind: PayloadTooLarge},
		{name: "bluez invalid length", err: errors.New("org.bluez.Error.InvalidLength: Invalid Length"), kind: PayloadTooLarge},
		{name: "hci command disallowed", err: errors.New("hci: Command Disallowed"), kind: HostRejected},
		{name: "bluez failed", err: errors.New("org.bluez.Error.Failed: Maximum advertisements reached"), kind: HostRejected},
		{name: "unknown", err: errors.New("socket closed unexpectedly"), kind: Other},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NormalizeError(tt.err)
			assert.True(t, IsAdvertiseKind(err, tt.kind), "got %v", err)
			assert.ErrorIs(t, err, tt.err, "original error MUST stay reachable")
		})
	}
}

func TestNormalizeErrorPassThrough(t *testing.T) {
	assert.NoError(t, NormalizeError(nil))
	assert.Same(t, context.Canceled, NormalizeError(context.Canceled))

	classified := fmt.Errorf("start: %w", &AdvertiseError{Kind: HostRejected, Msg: "busy"})
	assert.Equal(t, classified, NormalizeError(classified))
}

func TestAdvertiseErrorIs(t *testing.T) {
	err := fmt.Errorf("advertise: %w", &AdvertiseError{Kind: PayloadTooLarge, Msg: "35 bytes > 31"})

	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.NotErrorIs(t, err, ErrHostRejected)
	assert.Equal(t, "advertise: payload_too_large: 35 bytes > 31", err.Error())
	assert.Equal(t, "host_rejected", ErrHostRejected.Error())
}

func TestOpString(t *testing.T) {
	assert.Equal(t, "write", OpWrite.String())
	assert.Equal(t, "notify", OpNotify.String())
	assert.Equal(t, "detach", OpDetach.String())
	assert.Equal(t, "op(7)", Op(7).String())
}
