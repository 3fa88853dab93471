package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/blip/internal/bledb"
	"github.com/srg/blip/internal/lease"
	"github.com/srg/blip/internal/profile"
	"github.com/srg/blip/pkg/config"
	"gopkg.in/yaml.v3"
)

// profileCmd prints what serve would advertise and register, without touching the adapter
var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Print the advertisement and GATT application",
	Long: `Print the advertisement and the GATT application that serve would use with the
current configuration, including the size of the advertising data and scan response.`,
	Args: cobra.NoArgs,
	RunE: runProfile,
}

var profileFormat string

func init() {
	addProfileFlags(profileCmd)
}

func addProfileFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&profileFormat, "format", "f", "json", "Output format (json, yaml)")
}

type characteristicView struct {
	UUID       string `json:"uuid" yaml:"uuid"`
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	Properties string `json:"properties" yaml:"properties"`
	Relay      bool   `json:"relay,omitempty" yaml:"relay,omitempty"`
}

type serviceView struct {
	UUID            string               `json:"uuid" yaml:"uuid"`
	Name            string               `json:"name,omitempty" yaml:"name,omitempty"`
	Primary         bool                 `json:"primary" yaml:"primary"`
	Characteristics []characteristicView `json:"characteristics" yaml:"characteristics"`
}

type advertisementView struct {
	LocalName         string          `json:"local_name" yaml:"local_name"`
	ServiceUUIDs      []string        `json:"service_uuids" yaml:"service_uuids"`
	ManufacturerID    string          `json:"manufacturer_id" yaml:"manufacturer_id"`
	ManufacturerData  config.HexBytes `json:"manufacturer_data" yaml:"manufacturer_data"`
	Discoverable      bool            `json:"discoverable" yaml:"discoverable"`
	Appearance        uint16          `json:"appearance" yaml:"appearance"`
	AppearanceName    string          `json:"appearance_name,omitempty" yaml:"appearance_name,omitempty"`
	LeaseDuration     string          `json:"lease_duration" yaml:"lease_duration"`
	AdvertisingBytes  int             `json:"advertising_bytes" yaml:"advertising_bytes"`
	ScanResponseBytes int             `json:"scan_response_bytes" yaml:"scan_response_bytes"`
}

type profileView struct {
	Advertisement advertisementView `json:"advertisement" yaml:"advertisement"`
	Services      []serviceView     `json:"services" yaml:"services"`
}

func runProfile(cmd *cobra.Command, _ []string) error {
	if profileFormat != "json" && profileFormat != "yaml" {
		return fmt.Errorf("invalid format '%s': must be one of [json yaml]", profileFormat)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	app, err := cfg.Application()
	if err != nil {
		return err
	}
	view := newProfileView(cfg, app)

	var out []byte
	if profileFormat == "yaml" {
		out, err = yaml.Marshal(view)
	} else {
		out, err = json.MarshalIndent(view, "", "  ")
		out = append(out, '\n')
	}
	if err != nil {
		return fmt.Errorf("failed to render profile: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func newProfileView(cfg *config.Config, app *profile.Application) profileView {
	adv := cfg.AdvertiseConfig()
	relay := bledb.NormalizeUUID(cfg.Relay.Characteristic)

	view := profileView{
		Advertisement: advertisementView{
			LocalName:         adv.LocalName,
			ServiceUUIDs:      adv.ServiceUUIDs,
			ManufacturerID:    fmt.Sprintf("0x%04x", adv.ManufacturerID),
			ManufacturerData:  adv.ManufacturerData,
			Discoverable:      adv.Discoverable,
			Appearance:        adv.Appearance,
			AppearanceName:    bledb.LookupAppearance(adv.Appearance),
			LeaseDuration:     cfg.ClampedDuration().String(),
			AdvertisingBytes:  lease.AdvertisingDataSize(adv),
			ScanResponseBytes: lease.ScanResponseSize(adv),
		},
		Services: make([]serviceView, 0, len(app.Services)),
	}

	for i := range app.Services {
		svc := &app.Services[i]
		sv := serviceView{
			UUID:            svc.UUID,
			Name:            svc.KnownName(),
			Primary:         svc.Primary,
			Characteristics: make([]characteristicView, 0, len(svc.Characteristics)),
		}
		for j := range svc.Characteristics {
			c := &svc.Characteristics[j]
			sv.Characteristics = append(sv.Characteristics, characteristicView{
				UUID:       c.UUID,
				Name:       c.KnownName(),
				Properties: c.Properties(),
				Relay:      bledb.NormalizeUUID(c.UUID) == relay,
			})
		}
		view.Services = append(view.Services, sv)
	}
	return view
}
