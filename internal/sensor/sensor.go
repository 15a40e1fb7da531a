// Package sensor classifies raw telemetry descriptors into typed
// readings: numeric sensors, binary sensors and the GPS position. The
// catalogs mirror the descriptor names the CarData API delivers;
// anything uncataloged that carries a number becomes a dynamic sensor.
package sensor

import (
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/BertilJ/bmw-data/internal/cardata"
)

// Kind discriminates reading types.
type Kind string

const (
	KindSensor Kind = "sensor"
	KindBinary Kind = "binary_sensor"
)

// Reading is one classified telemetry value. Numeric is set when the
// raw value parses as a number, On when the reading is binary.
type Reading struct {
	Descriptor string   `json:"descriptor"`
	Name       string   `json:"name"`
	Kind       Kind     `json:"kind"`
	Value      string   `json:"value"`
	Numeric    *float64 `json:"numeric,omitempty"`
	On         *bool    `json:"on,omitempty"`
	Unit       string   `json:"unit,omitempty"`
	Class      string   `json:"class,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
}

// binaryLooking are uppercase values that mark a descriptor as binary
// state rather than a measurement during dynamic discovery.
var binaryLooking = map[string]struct{}{
	"OPEN": {}, "CLOSED": {}, "LOCKED": {}, "UNLOCKED": {}, "SECURED": {},
	"TRUE": {}, "FALSE": {}, "CONNECTED": {}, "DISCONNECTED": {},
	"CHARGING": {}, "NOT_CHARGING": {},
}

// Readings classifies every telemetry entry of one vehicle. Cataloged
// descriptors come first in catalog order, dynamically discovered
// numeric ones follow sorted by descriptor.
func Readings(telemetry map[string]cardata.TelemetryEntry) []Reading {
	out := make([]Reading, 0, len(telemetry))

	for _, spec := range Specs {
		entry, ok := telemetry[spec.Descriptor]
		if !ok {
			continue
		}
		r := Reading{
			Descriptor: spec.Descriptor,
			Name:       spec.Name,
			Kind:       KindSensor,
			Value:      entry.Value,
			Unit:       spec.Unit,
			Class:      spec.Class,
			Timestamp:  entry.Timestamp,
		}
		if r.Unit == "" {
			r.Unit = entry.Unit
		}
		if f, err := strconv.ParseFloat(entry.Value, 64); err == nil {
			r.Numeric = &f
		}
		out = append(out, r)
	}

	for _, spec := range BinarySpecs {
		entry, ok := telemetry[spec.Descriptor]
		if !ok {
			continue
		}
		on := false
		for _, v := range spec.OnValues {
			if entry.Value == v {
				on = true
				break
			}
		}
		out = append(out, Reading{
			Descriptor: spec.Descriptor,
			Name:       spec.Name,
			Kind:       KindBinary,
			Value:      entry.Value,
			On:         &on,
			Class:      spec.Class,
			Timestamp:  entry.Timestamp,
		})
	}

	dynamic := make([]string, 0, len(telemetry))
	for descriptor, entry := range telemetry {
		if _, ok := specByDescriptor[descriptor]; ok {
			continue
		}
		if _, ok := binaryByDescriptor[descriptor]; ok {
			continue
		}
		if _, ok := binaryLooking[strings.ToUpper(entry.Value)]; ok {
			continue
		}
		if _, err := strconv.ParseFloat(entry.Value, 64); err != nil {
			continue
		}
		dynamic = append(dynamic, descriptor)
	}
	sort.Strings(dynamic)

	for _, descriptor := range dynamic {
		entry := telemetry[descriptor]
		f, _ := strconv.ParseFloat(entry.Value, 64)
		out = append(out, Reading{
			Descriptor: descriptor,
			Name:       friendlyName(descriptor),
			Kind:       KindSensor,
			Value:      entry.Value,
			Numeric:    &f,
			Unit:       entry.Unit,
			Timestamp:  entry.Timestamp,
		})
	}

	return out
}

// Location extracts the GPS position. The descriptor layouts are
// probed in order; unparsable values fall through to the next one.
func Location(telemetry map[string]cardata.TelemetryEntry) (lat, lon float64, ok bool) {
	latV, latOK := coordinate(telemetry, latitudeKeys)
	lonV, lonOK := coordinate(telemetry, longitudeKeys)
	if !latOK || !lonOK {
		return 0, 0, false
	}
	return latV, lonV, true
}

func coordinate(telemetry map[string]cardata.TelemetryEntry, keys []string) (float64, bool) {
	for _, key := range keys {
		entry, ok := telemetry[key]
		if !ok {
			continue
		}
		if f, err := strconv.ParseFloat(entry.Value, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// friendlyName derives a display name from a descriptor: the last
// dotted segment, camelCase split into words, title-cased.
// "electricVehicle.chargingLevelHv" becomes "Charging Level Hv".
func friendlyName(descriptor string) string {
	name := descriptor
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}

	var b strings.Builder
	for i, r := range name {
		if i > 0 && unicode.IsUpper(r) && unicode.IsLower(rune(name[i-1])) {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	name = strings.ReplaceAll(b.String(), "_", " ")

	words := strings.Fields(name)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
