package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BertilJ/bmw-data/internal/cardata"
	"github.com/BertilJ/bmw-data/internal/coordinator"
	"github.com/BertilJ/bmw-data/internal/state"
	"github.com/BertilJ/bmw-data/pkg/log"
)

type fakeStatus struct {
	st coordinator.Status
}

func (f *fakeStatus) Status() coordinator.Status { return f.st }

func testStore(vins ...string) *state.Store {
	identities := make([]cardata.VehicleIdentity, 0, len(vins))
	for _, vin := range vins {
		identities = append(identities, cardata.VehicleIdentity{VIN: vin, Brand: "BMW", Model: "iX xDrive50"})
	}
	return state.NewStore(identities, log.NewNopLogger())
}

func newTestServer(store *state.Store, status StatusProvider) *Server {
	return New(nil, store, status, log.NewNopLogger())
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, rec.Body.String())
	}
	if !env.Success {
		t.Fatalf("request failed: %s", env.Error)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(testStore("WBA0001"), nil)

	rec := get(s, "/healthz")
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("healthz body = %q, want ok", rec.Body.String())
	}
}

func TestReadyzFollowsFirstPoll(t *testing.T) {
	status := &fakeStatus{}
	s := newTestServer(testStore("WBA0001"), status)

	if rec := get(s, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before first poll = %d, want 503", rec.Code)
	}

	polled := time.Now()
	status.st.LastPoll = &polled
	if rec := get(s, "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("readyz after first poll = %d, want 200", rec.Code)
	}
}

func TestReadyzWithoutProvider(t *testing.T) {
	s := newTestServer(testStore("WBA0001"), nil)
	if rec := get(s, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz without a session = %d, want 503", rec.Code)
	}
}

func TestListVehicles(t *testing.T) {
	store := testStore("WBA0002", "WBA0001")
	store.MergeREST("WBA0001", []cardata.TelemetryEntry{
		{Descriptor: "odometer", Value: "42000"},
		{Descriptor: "electricVehicle.chargingLevelHv", Value: "82"},
	})
	s := newTestServer(store, nil)

	rec := get(s, "/api/v1/vehicles")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var vehicles []struct {
		VIN             string     `json:"vin"`
		Brand           string     `json:"brand"`
		Descriptors     int        `json:"descriptors"`
		RESTUpdatedAt   *time.Time `json:"rest_updated_at"`
		StreamUpdatedAt *time.Time `json:"stream_updated_at"`
	}
	decodeData(t, rec, &vehicles)

	if len(vehicles) != 2 {
		t.Fatalf("vehicles = %d, want 2", len(vehicles))
	}
	if vehicles[0].VIN != "WBA0001" || vehicles[1].VIN != "WBA0002" {
		t.Errorf("order = %s, %s, want sorted by VIN", vehicles[0].VIN, vehicles[1].VIN)
	}
	if vehicles[0].Descriptors != 2 {
		t.Errorf("descriptors = %d, want 2", vehicles[0].Descriptors)
	}
	if vehicles[0].RESTUpdatedAt == nil {
		t.Error("rest_updated_at missing after a merge")
	}
	if vehicles[1].RESTUpdatedAt != nil {
		t.Error("rest_updated_at set for a never-polled vehicle")
	}
}

func TestGetVehicle(t *testing.T) {
	store := testStore("WBA0001")
	store.MergeStream("WBA0001", []cardata.TelemetryEntry{
		{Descriptor: "doorLockState", Value: "LOCKED", Timestamp: "2026-03-10T12:00:00Z"},
	})
	s := newTestServer(store, nil)

	rec := get(s, "/api/v1/vehicles/WBA0001")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var detail struct {
		VIN             string                            `json:"vin"`
		Telemetry       map[string]cardata.TelemetryEntry `json:"telemetry"`
		StreamUpdatedAt *time.Time                        `json:"stream_updated_at"`
	}
	decodeData(t, rec, &detail)

	if detail.VIN != "WBA0001" {
		t.Errorf("vin = %q, want WBA0001", detail.VIN)
	}
	if got := detail.Telemetry["doorLockState"].Value; got != "LOCKED" {
		t.Errorf("telemetry value = %q, want LOCKED", got)
	}
	if detail.StreamUpdatedAt == nil {
		t.Error("stream_updated_at missing after a stream merge")
	}
}

func TestGetVehicleNotFound(t *testing.T) {
	s := newTestServer(testStore("WBA0001"), nil)

	rec := get(s, "/api/v1/vehicles/WBA9999")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	var env struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Success || env.Error == "" {
		t.Errorf("error envelope = %+v, want failure with a message", env)
	}
}

func TestVehicleSensors(t *testing.T) {
	store := testStore("WBA0001")
	store.MergeREST("WBA0001", []cardata.TelemetryEntry{
		{Descriptor: "electricVehicle.chargingLevelHv", Value: "82"},
		{Descriptor: "doors.driverFront", Value: "OPEN"},
		{Descriptor: "navigation.latitude", Value: "48.1351"},
		{Descriptor: "navigation.longitude", Value: "11.5820"},
	})
	s := newTestServer(store, nil)

	rec := get(s, "/api/v1/vehicles/WBA0001/sensors")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var payload struct {
		VIN     string `json:"vin"`
		Sensors []struct {
			Descriptor string   `json:"descriptor"`
			Name       string   `json:"name"`
			Kind       string   `json:"kind"`
			Numeric    *float64 `json:"numeric"`
			On         *bool    `json:"on"`
			Unit       string   `json:"unit"`
		} `json:"sensors"`
		Location *struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"location"`
	}
	decodeData(t, rec, &payload)

	var sawBattery, sawDoor bool
	for _, sr := range payload.Sensors {
		switch sr.Descriptor {
		case "electricVehicle.chargingLevelHv":
			sawBattery = true
			if sr.Numeric == nil || *sr.Numeric != 82 {
				t.Errorf("battery numeric = %v, want 82", sr.Numeric)
			}
			if sr.Unit != "%" {
				t.Errorf("battery unit = %q, want %%", sr.Unit)
			}
		case "doors.driverFront":
			sawDoor = true
			if sr.Kind != "binary_sensor" {
				t.Errorf("door kind = %q, want binary_sensor", sr.Kind)
			}
			if sr.On == nil || !*sr.On {
				t.Errorf("door on = %v, want true", sr.On)
			}
		}
	}
	if !sawBattery || !sawDoor {
		t.Errorf("sensors missing: battery=%v door=%v", sawBattery, sawDoor)
	}

	if payload.Location == nil {
		t.Fatal("location missing")
	}
	if payload.Location.Latitude != 48.1351 || payload.Location.Longitude != 11.5820 {
		t.Errorf("location = %+v", payload.Location)
	}
}

func TestStatusEndpoint(t *testing.T) {
	status := &fakeStatus{st: coordinator.Status{
		TokenValid:     true,
		RemainingCalls: 12,
		StreamState:    "connected",
		Vehicles:       1,
	}}
	s := newTestServer(testStore("WBA0001"), status)

	rec := get(s, "/api/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var st coordinator.Status
	decodeData(t, rec, &st)
	if !st.TokenValid || st.RemainingCalls != 12 || st.StreamState != "connected" {
		t.Errorf("status payload = %+v", st)
	}
}

func TestStatusEndpointWithoutSession(t *testing.T) {
	s := newTestServer(testStore("WBA0001"), nil)
	if rec := get(s, "/api/v1/status"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status without a session = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(testStore("WBA0001"), nil)

	rec := get(s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "bmwdata_rest_remaining_calls") {
		t.Error("metrics output missing bridge collectors")
	}
}

func TestRecoverMiddleware(t *testing.T) {
	s := newTestServer(testStore("WBA0001"), nil)
	s.Handler().HandleFunc("/boom", func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	})

	rec := get(s, "/boom")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestEventsStreamsStoreUpdates(t *testing.T) {
	store := testStore("WBA0001")
	s := newTestServer(store, nil)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/v1/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	// Headers arrived, so the handler is subscribed; this merge must
	// show up as an event frame.
	store.MergeStream("WBA0001", []cardata.TelemetryEntry{
		{Descriptor: "odometer", Value: "42001"},
	})

	scanner := bufio.NewScanner(resp.Body)
	var dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if dataLine == "" {
		t.Fatalf("no event data received: %v", scanner.Err())
	}

	var event struct {
		VIN         string `json:"vin"`
		Source      string `json:"source"`
		Descriptors int    `json:"descriptors"`
	}
	if err := json.Unmarshal([]byte(dataLine), &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.VIN != "WBA0001" || event.Source != "stream" || event.Descriptors != 1 {
		t.Errorf("event = %+v", event)
	}
}
