package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/BertilJ/bmw-data/internal/cardata"
	"github.com/BertilJ/bmw-data/internal/sensor"
	"github.com/BertilJ/bmw-data/internal/state"
)

// heartbeatInterval paces the SSE comment frames that keep idle event
// streams from being timed out by intermediaries.
const heartbeatInterval = 15 * time.Second

type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

type vehicleSummary struct {
	cardata.VehicleIdentity
	Descriptors     int        `json:"descriptors"`
	RESTUpdatedAt   *time.Time `json:"rest_updated_at,omitempty"`
	StreamUpdatedAt *time.Time `json:"stream_updated_at,omitempty"`
}

type vehicleDetail struct {
	cardata.VehicleIdentity
	Telemetry       map[string]cardata.TelemetryEntry `json:"telemetry"`
	RESTUpdatedAt   *time.Time                        `json:"rest_updated_at,omitempty"`
	StreamUpdatedAt *time.Time                        `json:"stream_updated_at,omitempty"`
}

type vehicleSensors struct {
	VIN      string           `json:"vin"`
	Sensors  []sensor.Reading `json:"sensors"`
	Location *location        `json:"location,omitempty"`
}

type location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type storeEvent struct {
	VIN         string    `json:"vin"`
	Source      string    `json:"source"`
	Descriptors int       `json:"descriptors"`
	At          time.Time `json:"at"`
}

func timestampOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReadyz answers ready once the first poll cycle has completed,
// so orchestration does not route to a bridge that has not synced yet.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.status == nil || s.status.Status().LastPoll == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("starting"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	states := s.store.List()
	summaries := make([]vehicleSummary, 0, len(states))
	for _, st := range states {
		summaries = append(summaries, vehicleSummary{
			VehicleIdentity: st.Identity,
			Descriptors:     len(st.Telemetry),
			RESTUpdatedAt:   timestampOrNil(st.RESTUpdatedAt),
			StreamUpdatedAt: timestampOrNil(st.StreamUpdatedAt),
		})
	}
	respondJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetVehicle(w http.ResponseWriter, r *http.Request) {
	vin := mux.Vars(r)["vin"]

	st, ok := s.store.Get(vin)
	if !ok {
		respondError(w, http.StatusNotFound, "vehicle not found")
		return
	}

	respondJSON(w, http.StatusOK, vehicleDetail{
		VehicleIdentity: st.Identity,
		Telemetry:       st.Telemetry,
		RESTUpdatedAt:   timestampOrNil(st.RESTUpdatedAt),
		StreamUpdatedAt: timestampOrNil(st.StreamUpdatedAt),
	})
}

func (s *Server) handleVehicleSensors(w http.ResponseWriter, r *http.Request) {
	vin := mux.Vars(r)["vin"]

	st, ok := s.store.Get(vin)
	if !ok {
		respondError(w, http.StatusNotFound, "vehicle not found")
		return
	}

	payload := vehicleSensors{
		VIN:     vin,
		Sensors: sensor.Readings(st.Telemetry),
	}
	if lat, lon, ok := sensor.Location(st.Telemetry); ok {
		payload.Location = &location{Latitude: lat, Longitude: lon}
	}

	respondJSON(w, http.StatusOK, payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		respondError(w, http.StatusServiceUnavailable, "sync session not running")
		return
	}
	respondJSON(w, http.StatusOK, s.status.Status())
}

// handleEvents streams store updates as server-sent events. One frame
// per merge, heartbeat comments in between, until the client leaves or
// the server shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates, cancel := s.store.Subscribe(16)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(w, update); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, update state.Update) error {
	data, err := json.Marshal(storeEvent{
		VIN:         update.VIN,
		Source:      string(update.Source),
		Descriptors: update.Descriptors,
		At:          update.At,
	})
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: update\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}
