// Package host defines the boundary between the peripheral relay and the BLE stack it runs on.
//
// The relay never talks to a radio directly. It asks a Host to:
//   - advertise with a given payload (Advertise)
//   - serve an ordered GATT application (RegisterApplication)
//   - report centrals attaching to or detaching from characteristics (Requests)
//
// Attachments are materialized into byte streams (Reader for writes coming from the central,
// Writer for notifications going to it). The production implementation lives in
// internal/host/go-ble; tests use the fake host from internal/testutils.
package host
