// Package profile describes the GATT application a peripheral serves: an ordered set of
// services, each with its characteristics and their access properties.
package profile

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/srg/blip/internal/bledb"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	// RelayServiceUUID is the service carrying the relay characteristic (Battery Service).
	RelayServiceUUID = "180f"

	// RelayCharacteristicUUID is the characteristic a central writes to and subscribes on.
	RelayCharacteristicUUID = "00000000-0000-0000-000f-00dc0de00001"
)

// Characteristic describes a single GATT characteristic and the operations it allows
type Characteristic struct {
	UUID   string `json:"uuid" yaml:"uuid"`
	Read   bool   `json:"read,omitempty" yaml:"read,omitempty"`
	Write  bool   `json:"write,omitempty" yaml:"write,omitempty"`
	Notify bool   `json:"notify,omitempty" yaml:"notify,omitempty"`
}

// KnownName returns the SIG assigned name of the characteristic, "" if custom
func (c *Characteristic) KnownName() string {
	return bledb.LookupCharacteristic(c.UUID)
}

// Properties renders the access properties as a comma separated list ("read,write,notify")
func (c *Characteristic) Properties() string {
	props := make([]string, 0, 3)
	if c.Read {
		props = append(props, "read")
	}
	if c.Write {
		props = append(props, "write")
	}
	if c.Notify {
		props = append(props, "notify")
	}
	return strings.Join(props, ",")
}

// Service describes a GATT service
type Service struct {
	UUID            string           `json:"uuid" yaml:"uuid"`
	Primary         bool             `json:"primary" yaml:"primary"`
	Characteristics []Characteristic `json:"characteristics,omitempty" yaml:"characteristics,omitempty"`
}

// KnownName returns the SIG assigned name of the service, "" if custom
func (s *Service) KnownName() string {
	return bledb.LookupService(s.UUID)
}

// Application is the ordered sequence of services registered with the BLE host
type Application struct {
	Services []Service `json:"services" yaml:"services"`
}

// FindCharacteristic looks a characteristic up by UUID across all services.
// UUIDs are compared in normalized form.
func (a *Application) FindCharacteristic(uuid string) (*Service, *Characteristic, bool) {
	want := bledb.NormalizeUUID(uuid)
	for i := range a.Services {
		svc := &a.Services[i]
		for j := range svc.Characteristics {
			if bledb.NormalizeUUID(svc.Characteristics[j].UUID) == want {
				return svc, &svc.Characteristics[j], true
			}
		}
	}
	return nil, nil, false
}

// ValidateRelay checks that the application exposes uuid as a writable and notifiable characteristic
func (a *Application) ValidateRelay(uuid string) error {
	_, c, ok := a.FindCharacteristic(uuid)
	if !ok {
		return fmt.Errorf("relay characteristic %q is not part of the GATT application", uuid)
	}
	if !c.Write || !c.Notify {
		return fmt.Errorf("relay characteristic %q must be writable and notifiable (has %q)", uuid, c.Properties())
	}
	return nil
}

// ValidateUUID reports whether uuid is a well-formed 16, 32 or 128-bit UUID
func ValidateUUID(uuid string) error {
	n := bledb.NormalizeUUID(uuid)
	switch len(n) {
	case 4, 8, 32:
	default:
		return fmt.Errorf("invalid UUID %q: unexpected length", uuid)
	}
	if _, err := hex.DecodeString(n); err != nil {
		return fmt.Errorf("invalid UUID %q: %w", uuid, err)
	}
	return nil
}

// ParseProperties converts a property string ("read,write,notify") into characteristic flags
func ParseProperties(props string) (read, write, notify bool, err error) {
	if strings.TrimSpace(props) == "" {
		return false, false, false, fmt.Errorf("characteristic properties are empty")
	}
	for _, p := range strings.Split(props, ",") {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "read":
			read = true
		case "write":
			write = true
		case "notify":
			notify = true
		default:
			return false, false, false, fmt.Errorf("unknown characteristic property %q", p)
		}
	}
	return read, write, notify, nil
}

// Builder assembles an Application while keeping services in insertion order and
// rejecting duplicate services or characteristics
type Builder struct {
	services *orderedmap.OrderedMap[string, *Service]
	last     *Service
	err      error
}

// NewBuilder creates an empty application builder
func NewBuilder() *Builder {
	return &Builder{
		services: orderedmap.New[string, *Service](),
	}
}

// WithService appends a service; later characteristics are added to it
func (b *Builder) WithService(uuid string, primary bool) *Builder {
	if b.err != nil {
		return b
	}
	if err := ValidateUUID(uuid); err != nil {
		b.err = fmt.Errorf("service: %w", err)
		return b
	}
	key := bledb.NormalizeUUID(uuid)
	if _, exists := b.services.Get(key); exists {
		b.err = fmt.Errorf("duplicate service %q", uuid)
		return b
	}
	svc := &Service{UUID: uuid, Primary: primary}
	b.services.Set(key, svc)
	b.last = svc
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *Builder) WithCharacteristic(uuid, properties string) *Builder {
	if b.err != nil {
		return b
	}
	if b.last == nil {
		b.err = fmt.Errorf("characteristic %q declared before any service", uuid)
		return b
	}
	if err := ValidateUUID(uuid); err != nil {
		b.err = fmt.Errorf("characteristic: %w", err)
		return b
	}
	read, write, notify, err := ParseProperties(properties)
	if err != nil {
		b.err = fmt.Errorf("characteristic %q: %w", uuid, err)
		return b
	}
	key := bledb.NormalizeUUID(uuid)
	for pair := b.services.Oldest(); pair != nil; pair = pair.Next() {
		for _, c := range pair.Value.Characteristics {
			if bledb.NormalizeUUID(c.UUID) == key {
				b.err = fmt.Errorf("duplicate characteristic %q", uuid)
				return b
			}
		}
	}
	b.last.Characteristics = append(b.last.Characteristics, Characteristic{
		UUID:   uuid,
		Read:   read,
		Write:  write,
		Notify: notify,
	})
	return b
}

// WithServices appends already described services, e.g. decoded from a config file
func (b *Builder) WithServices(services ...Service) *Builder {
	for _, svc := range services {
		b.WithService(svc.UUID, svc.Primary)
		for _, c := range svc.Characteristics {
			b.WithCharacteristic(c.UUID, c.Properties())
		}
	}
	return b
}

// Build returns the assembled application or the first error recorded while building
func (b *Builder) Build() (*Application, error) {
	if b.err != nil {
		return nil, b.err
	}
	app := &Application{Services: make([]Service, 0, b.services.Len())}
	for pair := b.services.Oldest(); pair != nil; pair = pair.Next() {
		app.Services = append(app.Services, *pair.Value)
	}
	return app, nil
}

// Default returns the application served when no services are configured:
// Battery (with the relay characteristic), Device Information, Scan Parameters and HID.
func Default() *Application {
	app, err := NewBuilder().
		WithService(RelayServiceUUID, true).
		WithCharacteristic(RelayCharacteristicUUID, "write,notify").
		WithService("180a", true).
		WithCharacteristic("2a24", "read"). // Model Number
		WithCharacteristic("2a25", "read"). // Serial Number
		WithCharacteristic("2a26", "read"). // Firmware Revision
		WithCharacteristic("2a27", "read"). // Hardware Revision
		WithCharacteristic("2a28", "read"). // Software Revision
		WithCharacteristic("2a29", "read"). // Manufacturer
		WithService("1813", false).
		WithService("1812", true).
		Build()
	if err != nil {
		panic(fmt.Sprintf("profile: invalid default application: %v", err))
	}
	return app
}
