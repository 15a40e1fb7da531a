// Package cardata holds the domain model shared by the REST client, the
// MQTT stream and the state store: vehicle identities, telemetry entries
// and the decoding of the two wire shapes the platform emits them in.
package cardata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// VehicleIdentity describes a mapped vehicle. Identities are discovered
// once per login and stay fixed for the lifetime of a session.
type VehicleIdentity struct {
	// VIN is the unique identifier of the vehicle.
	VIN string `json:"vin"`

	// Brand and Model come from the basic-data endpoint and fall back to
	// placeholders when that call fails during discovery.
	Brand string `json:"brand"`
	Model string `json:"model"`

	// Propulsion is the drive-train type as reported, e.g. "BEV".
	Propulsion string `json:"propulsion,omitempty"`

	// ConstructionYear is zero when the platform does not report one.
	ConstructionYear int `json:"construction_year,omitempty"`
}

// TelemetryEntry is one descriptor reading. Value is kept in its wire
// string form; Timestamp is the source timestamp, carried through
// without interpretation.
type TelemetryEntry struct {
	Descriptor string `json:"descriptor"`
	Value      string `json:"value"`
	Unit       string `json:"unit,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
}

// StreamMessage is a decoded stream payload: the vehicle it belongs to
// and the entries it carried.
type StreamMessage struct {
	VIN     string
	Entries []TelemetryEntry
}

// EntriesFromObject normalizes the object wire shape,
//
//	{descriptor: {"value": ..., "unit": ..., "timestamp": ...}, ...}
//
// into a flat entry list. Descriptors whose payload is not an object or
// has no value are dropped. Entries come back sorted by descriptor so
// callers see a stable order.
func EntriesFromObject(raw map[string]json.RawMessage) []TelemetryEntry {
	entries := make([]TelemetryEntry, 0, len(raw))

	for descriptor, body := range raw {
		var fields struct {
			Value     json.RawMessage `json:"value"`
			Unit      string          `json:"unit"`
			Timestamp string          `json:"timestamp"`
		}
		if err := json.Unmarshal(body, &fields); err != nil {
			continue
		}

		value, ok := stringifyValue(fields.Value)
		if !ok {
			continue
		}

		entries = append(entries, TelemetryEntry{
			Descriptor: descriptor,
			Value:      value,
			Unit:       fields.Unit,
			Timestamp:  fields.Timestamp,
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Descriptor < entries[j].Descriptor })

	return entries
}

// DecodeStreamPayload decodes a raw stream payload. Two shapes are
// accepted: a flat JSON list of entry objects, and a nested object
// {"vin": ..., "data": {descriptor: {...}}}. The VIN embedded in the
// payload wins over topicVIN when both are present.
func DecodeStreamPayload(topicVIN string, payload []byte) (StreamMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return StreamMessage{}, fmt.Errorf("empty payload")
	}

	if trimmed[0] == '[' {
		return decodeEntryList(topicVIN, trimmed)
	}

	var nested struct {
		VIN  string                     `json:"vin"`
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &nested); err != nil {
		return StreamMessage{}, fmt.Errorf("decode stream payload: %w", err)
	}

	vin := nested.VIN
	if vin == "" {
		vin = topicVIN
	}

	return StreamMessage{VIN: vin, Entries: EntriesFromObject(nested.Data)}, nil
}

func decodeEntryList(topicVIN string, payload []byte) (StreamMessage, error) {
	var items []struct {
		Descriptor string          `json:"descriptor"`
		Name       string          `json:"name"`
		Value      json.RawMessage `json:"value"`
		Unit       string          `json:"unit"`
		Timestamp  string          `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &items); err != nil {
		return StreamMessage{}, fmt.Errorf("decode stream entry list: %w", err)
	}

	entries := make([]TelemetryEntry, 0, len(items))
	for _, it := range items {
		descriptor := it.Descriptor
		if descriptor == "" {
			descriptor = it.Name
		}
		if descriptor == "" {
			continue
		}

		value, ok := stringifyValue(it.Value)
		if !ok {
			continue
		}

		entries = append(entries, TelemetryEntry{
			Descriptor: descriptor,
			Value:      value,
			Unit:       it.Unit,
			Timestamp:  it.Timestamp,
		})
	}

	return StreamMessage{VIN: topicVIN, Entries: entries}, nil
}

// stringifyValue renders a JSON scalar in its wire form: strings lose
// their quotes, numbers keep their original formatting via json.Number.
// Null, absent and composite values report not-ok.
func stringifyValue(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", false
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false
		}
		return s, true
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return "", false
		}
		return strconv.FormatBool(b), true
	case '{', '[':
		// composite values are not telemetry scalars
		return "", false
	default:
		var n json.Number
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return "", false
		}
		return n.String(), true
	}
}
