// Package state holds the in-memory vehicle state the bridge serves
// from. One record per mapped vehicle, merged from REST polls and
// stream pushes, read as point-in-time snapshots.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/BertilJ/bmw-data/internal/cardata"
	"github.com/BertilJ/bmw-data/internal/pkg/metrics"
	"github.com/BertilJ/bmw-data/pkg/log"
)

// Source tags where a merge came from.
type Source string

const (
	SourceREST   Source = "rest"
	SourceStream Source = "stream"
)

// VehicleState is a snapshot of one vehicle: identity, the latest
// telemetry per descriptor, and per-source freshness stamps. Snapshots
// are copies; mutating one never touches the store.
type VehicleState struct {
	Identity  cardata.VehicleIdentity
	Telemetry map[string]cardata.TelemetryEntry

	// Zero time means that source never delivered.
	RESTUpdatedAt   time.Time
	StreamUpdatedAt time.Time
}

// Update notifies subscribers that a vehicle's state changed.
type Update struct {
	VIN         string
	Source      Source
	Descriptors int
	At          time.Time
}

type vehicleRecord struct {
	identity        cardata.VehicleIdentity
	telemetry       map[string]cardata.TelemetryEntry
	restUpdatedAt   time.Time
	streamUpdatedAt time.Time
}

// Store is the serialized vehicle state store. The vehicle set is fixed
// at construction; merges for unknown VINs are dropped.
type Store struct {
	logger log.Logger
	now    func() time.Time

	mu       sync.RWMutex
	vehicles map[string]*vehicleRecord
	subs     map[int]chan Update
	nextSub  int
}

// NewStore seeds a store with the session's vehicle identities.
func NewStore(identities []cardata.VehicleIdentity, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	vehicles := make(map[string]*vehicleRecord, len(identities))
	for _, identity := range identities {
		vehicles[identity.VIN] = &vehicleRecord{
			identity:  identity,
			telemetry: map[string]cardata.TelemetryEntry{},
		}
	}

	return &Store{
		logger:   logger.WithName("state"),
		now:      time.Now,
		vehicles: vehicles,
		subs:     map[int]chan Update{},
	}
}

// MergeREST merges a poll result and stamps REST freshness. Reports
// whether the VIN is known.
func (s *Store) MergeREST(vin string, entries []cardata.TelemetryEntry) bool {
	return s.merge(vin, entries, SourceREST)
}

// MergeStream merges a stream push and stamps stream freshness.
// Subscribers are notified immediately. Reports whether the VIN is known.
func (s *Store) MergeStream(vin string, entries []cardata.TelemetryEntry) bool {
	return s.merge(vin, entries, SourceStream)
}

func (s *Store) merge(vin string, entries []cardata.TelemetryEntry, source Source) bool {
	s.mu.Lock()

	rec, ok := s.vehicles[vin]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("dropping telemetry for unknown vehicle", "vin", vin, "source", string(source))
		return false
	}

	now := s.now()
	for _, e := range entries {
		rec.telemetry[e.Descriptor] = e
	}

	switch source {
	case SourceREST:
		rec.restUpdatedAt = now
	case SourceStream:
		rec.streamUpdatedAt = now
	}

	update := Update{VIN: vin, Source: source, Descriptors: len(entries), At: now}
	for _, ch := range s.subs {
		// slow subscribers lose updates rather than stall a merge
		select {
		case ch <- update:
		default:
		}
	}

	s.mu.Unlock()

	metrics.MergesTotal.WithLabelValues(string(source)).Inc()

	return true
}

// Get returns a snapshot of one vehicle.
func (s *Store) Get(vin string) (VehicleState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.vehicles[vin]
	if !ok {
		return VehicleState{}, false
	}

	return rec.snapshot(), true
}

// List returns snapshots of every vehicle, ordered by VIN.
func (s *Store) List() []VehicleState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make([]VehicleState, 0, len(s.vehicles))
	for _, rec := range s.vehicles {
		states = append(states, rec.snapshot())
	}

	sort.Slice(states, func(i, j int) bool { return states[i].Identity.VIN < states[j].Identity.VIN })

	return states
}

// VINs returns the known VINs, ordered.
func (s *Store) VINs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vins := make([]string, 0, len(s.vehicles))
	for vin := range s.vehicles {
		vins = append(vins, vin)
	}
	sort.Strings(vins)

	return vins
}

// Subscribe registers an update channel with the given buffer. The
// cancel func unregisters and closes it.
func (s *Store) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer < 1 {
		buffer = 1
	}

	ch := make(chan Update, buffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()
	}

	return ch, cancel
}

func (r *vehicleRecord) snapshot() VehicleState {
	telemetry := make(map[string]cardata.TelemetryEntry, len(r.telemetry))
	for k, v := range r.telemetry {
		telemetry[k] = v
	}

	return VehicleState{
		Identity:        r.identity,
		Telemetry:       telemetry,
		RESTUpdatedAt:   r.restUpdatedAt,
		StreamUpdatedAt: r.streamUpdatedAt,
	}
}
