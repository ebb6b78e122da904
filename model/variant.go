package model

import (
	"strings"

	"Narrato/config"
)

const (
	VariantStandard   = "standard"
	VariantSleep      = "sleep"
	VariantMeditation = "meditation"
	VariantEnergy     = "energy"
	VariantCustom     = "custom"
)

// NormalizeVariant lowercases v and maps empty to standard.
func NormalizeVariant(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return VariantStandard
	}
	return v
}

// Volumes are linear gain multipliers applied before summing.
type Volumes struct {
	Voice      float64 `json:"voice"`
	Background float64 `json:"background"`
}

// ResolveVolumes picks the preset for variant and lets explicit values override it.
// Unknown variants fall back to the standard preset.
func ResolveVolumes(presets map[string]config.VolumePreset, variant string, voice, background *float64) Volumes {
	preset, ok := presets[NormalizeVariant(variant)]
	if !ok {
		preset, ok = presets[VariantStandard]
		if !ok {
			preset = config.DefaultVariantPresets()[VariantStandard]
		}
	}
	v := Volumes{Voice: preset.Voice, Background: preset.Background}
	if voice != nil {
		v.Voice = *voice
	}
	if background != nil {
		v.Background = *background
	}
	return v
}
