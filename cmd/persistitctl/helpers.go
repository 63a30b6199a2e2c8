package main

import (
	"github.com/SimonWaldherr/persistitgo/internal/config"
	"github.com/SimonWaldherr/persistitgo/internal/volume"
)

// volumeSpec translates a config.VolumeConfig entry into the volume.Spec
// volume.Open expects. BufferSize is copied as given; volume.Open uses
// page.DefaultSize when it is zero.
func volumeSpec(vc config.VolumeConfig) volume.Spec {
	return volume.Spec{
		Path:           vc.Path,
		Name:           vc.Name,
		BufferSize:     vc.BufferSize,
		InitialPages:   vc.InitialPages,
		ExtensionPages: vc.ExtensionPages,
		MaximumPages:   vc.MaximumPages,
		ReadOnly:       vc.ReadOnly,
		Create:         vc.Create,
		Temporary:      vc.Temporary,
	}
}
