package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BertilJ/bmw-data/internal/api"
	"github.com/BertilJ/bmw-data/internal/auth"
	"github.com/BertilJ/bmw-data/internal/cardata"
	"github.com/BertilJ/bmw-data/internal/state"
	"github.com/BertilJ/bmw-data/pkg/log"
)

type fakeAPI struct {
	mu              sync.Mutex
	token           string
	remaining       int
	telemetry       map[string][]cardata.TelemetryEntry
	telemetryErr    map[string]error
	telemetryCalls  []string
	containerCalls  []string
	containers      []api.Container
	containersErr   error
	containersCalls int
	createID        string
	createErr       error
	createCalls     int
	createdName     string
}

func (f *fakeAPI) SetAccessToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *fakeAPI) RemainingCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remaining
}

func (f *fakeAPI) TelematicData(ctx context.Context, vin, containerID string) ([]cardata.TelemetryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.telemetryCalls = append(f.telemetryCalls, vin)
	f.containerCalls = append(f.containerCalls, containerID)
	if err := f.telemetryErr[vin]; err != nil {
		return nil, err
	}
	return f.telemetry[vin], nil
}

func (f *fakeAPI) Containers(ctx context.Context) ([]api.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containersCalls++
	if f.containersErr != nil {
		return nil, f.containersErr
	}
	return f.containers, nil
}

func (f *fakeAPI) CreateContainer(ctx context.Context, name, purpose string, descriptors []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.createdName = name
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.createID, nil
}

func (f *fakeAPI) accessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeAPI) telemetryLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.telemetryCalls...)
}

type fakeRefresher struct {
	mu    sync.Mutex
	fresh auth.TokenSet
	err   error
	calls int
	got   string
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (auth.TokenSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.got = refreshToken
	if f.err != nil {
		return auth.TokenSet{}, f.err
	}
	return f.fresh, nil
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStream struct {
	mu      sync.Mutex
	started int
	stopped int
	tokens  []string
	state   string
}

func (f *fakeStream) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
}

func (f *fakeStream) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeStream) UpdateToken(idToken string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, idToken)
}

func (f *fakeStream) State() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeStream) counts() (started, stopped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped
}

type fakePersister struct {
	mu    sync.Mutex
	saved []auth.TokenSet
	err   error
}

func (f *fakePersister) SaveTokens(tok *auth.TokenSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, *tok)
	return f.err
}

func testTokens(obtainedAt time.Time) auth.TokenSet {
	return auth.TokenSet{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		IDToken:      "idt-1",
		GCID:         "gcid-1",
		ExpiresIn:    3600,
		ObtainedAt:   obtainedAt,
	}
}

func testStore(vins ...string) *state.Store {
	identities := make([]cardata.VehicleIdentity, 0, len(vins))
	for _, vin := range vins {
		identities = append(identities, cardata.VehicleIdentity{VIN: vin, Brand: "BMW", Model: "i4 eDrive40"})
	}
	return state.NewStore(identities, log.NewNopLogger())
}

func entry(descriptor, value string) cardata.TelemetryEntry {
	return cardata.TelemetryEntry{Descriptor: descriptor, Value: value}
}

func TestNewValidation(t *testing.T) {
	apiClient := &fakeAPI{}
	refresher := &fakeRefresher{}
	store := testStore("WBA0001")
	tokens := testTokens(time.Now())

	cases := []struct {
		name string
		deps Deps
	}{
		{"missing api", Deps{Auth: refresher, Store: store, Tokens: tokens}},
		{"missing auth", Deps{API: apiClient, Store: store, Tokens: tokens}},
		{"missing store", Deps{API: apiClient, Auth: refresher, Tokens: tokens}},
		{"missing access token", Deps{API: apiClient, Auth: refresher, Store: store}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(nil, tc.deps); err == nil {
				t.Fatal("New accepted incomplete deps")
			}
		})
	}
}

func TestNewPushesInitialAccessToken(t *testing.T) {
	apiClient := &fakeAPI{}
	_, err := New(nil, Deps{
		API:    apiClient,
		Auth:   &fakeRefresher{},
		Store:  testStore("WBA0001"),
		Tokens: testTokens(time.Now()),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := apiClient.accessToken(); got != "at-1" {
		t.Errorf("api access token = %q, want %q", got, "at-1")
	}
}

func TestPollOnceMergesTelemetry(t *testing.T) {
	apiClient := &fakeAPI{
		containers: []api.Container{{ID: "ct-9", Name: "existing"}},
		telemetry: map[string][]cardata.TelemetryEntry{
			"WBA0001": {entry("vehicle.drivetrain.odometer", "42000")},
			"WBA0002": {entry("vehicle.drivetrain.electricVehicle.chargingLevelHv", "82")},
		},
	}
	store := testStore("WBA0001", "WBA0002")

	c, err := New(nil, Deps{
		API:    apiClient,
		Auth:   &fakeRefresher{},
		Store:  store,
		Tokens: testTokens(time.Now()),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}

	if got := apiClient.telemetryLog(); len(got) != 2 || got[0] != "WBA0001" || got[1] != "WBA0002" {
		t.Errorf("telemetry calls = %v, want both VINs in order", got)
	}
	if apiClient.createCalls != 0 {
		t.Errorf("CreateContainer called %d times with a container present", apiClient.createCalls)
	}
	if got := apiClient.containerCalls[0]; got != "ct-9" {
		t.Errorf("telemetry used container %q, want ct-9", got)
	}

	st, ok := store.Get("WBA0002")
	if !ok {
		t.Fatal("vehicle missing from store")
	}
	if got := st.Telemetry["vehicle.drivetrain.electricVehicle.chargingLevelHv"].Value; got != "82" {
		t.Errorf("merged value = %q, want 82", got)
	}
	if st.RESTUpdatedAt.IsZero() {
		t.Error("REST freshness not stamped")
	}
}

func TestEnsureTokenRefreshBoundary(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	refresher := &fakeRefresher{fresh: auth.TokenSet{
		AccessToken:  "at-2",
		RefreshToken: "rt-2",
		IDToken:      "idt-2",
		ExpiresIn:    3600,
		ObtainedAt:   base.Add(55 * time.Minute),
	}}
	apiClient := &fakeAPI{}
	stream := &fakeStream{}
	persister := &fakePersister{}

	c, err := New(nil, Deps{
		API:       apiClient,
		Auth:      refresher,
		Stream:    stream,
		Store:     testStore("WBA0001"),
		Persister: persister,
		Tokens:    testTokens(base),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// One second before the margin: token still counts as fresh.
	c.now = func() time.Time { return base.Add(55*time.Minute - time.Second) }
	if err := c.ensureToken(context.Background()); err != nil {
		t.Fatalf("ensureToken: %v", err)
	}
	if refresher.callCount() != 0 {
		t.Fatal("refreshed before the margin")
	}

	// Exactly at expiry minus margin the refresh fires.
	c.now = func() time.Time { return base.Add(55 * time.Minute) }
	if err := c.ensureToken(context.Background()); err != nil {
		t.Fatalf("ensureToken: %v", err)
	}
	if refresher.callCount() != 1 {
		t.Fatalf("refresh calls = %d, want 1", refresher.callCount())
	}
	if refresher.got != "rt-1" {
		t.Errorf("refresh used token %q, want rt-1", refresher.got)
	}

	if got := apiClient.accessToken(); got != "at-2" {
		t.Errorf("api access token = %q, want at-2", got)
	}
	if len(stream.tokens) != 1 || stream.tokens[0] != "idt-2" {
		t.Errorf("stream tokens = %v, want [idt-2]", stream.tokens)
	}
	if len(persister.saved) != 1 || persister.saved[0].AccessToken != "at-2" {
		t.Errorf("persisted tokens = %v, want the fresh set", persister.saved)
	}
	if got := c.Tokens().AccessToken; got != "at-2" {
		t.Errorf("Tokens() = %q, want at-2", got)
	}
}

func TestRefreshRejectedRequiresReauth(t *testing.T) {
	refresher := &fakeRefresher{err: fmt.Errorf("%w: status 400", auth.ErrTokenRefreshFailed)}
	c, err := New(nil, Deps{
		API:    &fakeAPI{},
		Auth:   refresher,
		Store:  testStore("WBA0001"),
		Tokens: testTokens(time.Now().Add(-2 * time.Hour)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = c.pollOnce(context.Background())
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("pollOnce error = %v, want ErrReauthRequired", err)
	}
}

func TestRefreshTransportErrorIsTransient(t *testing.T) {
	apiClient := &fakeAPI{}
	refresher := &fakeRefresher{err: errors.New("connection refused")}
	c, err := New(nil, Deps{
		API:    apiClient,
		Auth:   refresher,
		Store:  testStore("WBA0001"),
		Tokens: testTokens(time.Now().Add(-2 * time.Hour)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce returned %v for a transport failure", err)
	}
	if got := apiClient.telemetryLog(); len(got) != 0 {
		t.Errorf("telemetry fetched despite failed token upkeep: %v", got)
	}
	if got := c.Status().LastPollError; !strings.Contains(got, "refresh tokens") {
		t.Errorf("LastPollError = %q, want refresh failure", got)
	}

	// The next cycle tries again.
	if err := c.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if refresher.callCount() != 2 {
		t.Errorf("refresh calls = %d, want 2", refresher.callCount())
	}
}

func TestPollStopsAtRateLimit(t *testing.T) {
	apiClient := &fakeAPI{
		containers: []api.Container{{ID: "ct-1"}},
		telemetry: map[string][]cardata.TelemetryEntry{
			"WBA0002": {entry("vehicle.drivetrain.odometer", "42000")},
		},
		telemetryErr: map[string]error{
			"WBA0001": &api.RateLimitError{Limit: 50, ResetIn: time.Hour},
		},
	}
	c, err := New(nil, Deps{
		API:    apiClient,
		Auth:   &fakeRefresher{},
		Store:  testStore("WBA0001", "WBA0002"),
		Tokens: testTokens(time.Now()),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce returned %v at the rate limit", err)
	}
	if got := apiClient.telemetryLog(); len(got) != 1 {
		t.Errorf("telemetry calls = %v, want the cycle cut after the first", got)
	}
	if got := c.Status().LastPollError; !strings.Contains(got, "rate limit") {
		t.Errorf("LastPollError = %q, want rate limit", got)
	}
}

func TestContainerRateLimitSkipsTelemetry(t *testing.T) {
	apiClient := &fakeAPI{containersErr: &api.RateLimitError{Limit: 50, ResetIn: time.Hour}}
	c, err := New(nil, Deps{
		API:    apiClient,
		Auth:   &fakeRefresher{},
		Store:  testStore("WBA0001"),
		Tokens: testTokens(time.Now()),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce returned %v at the rate limit", err)
	}
	if got := apiClient.telemetryLog(); len(got) != 0 {
		t.Errorf("telemetry fetched without a container: %v", got)
	}
}

func TestPollUnauthorizedRequiresReauth(t *testing.T) {
	apiClient := &fakeAPI{
		containers:   []api.Container{{ID: "ct-1"}},
		telemetryErr: map[string]error{"WBA0001": fmt.Errorf("telematic data: %w", api.ErrUnauthorized)},
	}
	c, err := New(nil, Deps{
		API:    apiClient,
		Auth:   &fakeRefresher{},
		Store:  testStore("WBA0001"),
		Tokens: testTokens(time.Now()),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = c.pollOnce(context.Background())
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("pollOnce error = %v, want ErrReauthRequired", err)
	}
}

func TestPollContinuesPastVehicleError(t *testing.T) {
	apiClient := &fakeAPI{
		containers: []api.Container{{ID: "ct-1"}},
		telemetry: map[string][]cardata.TelemetryEntry{
			"WBA0002": {entry("vehicle.drivetrain.odometer", "42000")},
		},
		telemetryErr: map[string]error{"WBA0001": errors.New("upstream 502")},
	}
	store := testStore("WBA0001", "WBA0002")
	c, err := New(nil, Deps{
		API:    apiClient,
		Auth:   &fakeRefresher{},
		Store:  store,
		Tokens: testTokens(time.Now()),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if got := apiClient.telemetryLog(); len(got) != 2 {
		t.Fatalf("telemetry calls = %v, want both VINs", got)
	}

	st, _ := store.Get("WBA0002")
	if st.RESTUpdatedAt.IsZero() {
		t.Error("healthy vehicle not merged after a sibling failure")
	}
	st, _ = store.Get("WBA0001")
	if !st.RESTUpdatedAt.IsZero() {
		t.Error("failed vehicle stamped as fresh")
	}
}

func TestEnsureContainerCreatesWhenMissing(t *testing.T) {
	apiClient := &fakeAPI{createID: "ct-new"}
	c, err := New(nil, Deps{
		API:    apiClient,
		Auth:   &fakeRefresher{},
		Store:  testStore("WBA0001"),
		Tokens: testTokens(time.Now()),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if apiClient.createCalls != 1 {
		t.Fatalf("CreateContainer calls = %d, want 1", apiClient.createCalls)
	}
	if apiClient.createdName != DefaultContainerName {
		t.Errorf("container name = %q, want %q", apiClient.createdName, DefaultContainerName)
	}
	if got := apiClient.containerCalls[0]; got != "ct-new" {
		t.Errorf("telemetry used container %q, want ct-new", got)
	}

	// The id is cached for the session; no second lookup.
	if err := c.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if apiClient.containersCalls != 1 {
		t.Errorf("Containers calls = %d, want 1", apiClient.containersCalls)
	}
}

func TestEnsureContainerFailureSkipsCycle(t *testing.T) {
	apiClient := &fakeAPI{containersErr: errors.New("upstream 500")}
	c, err := New(nil, Deps{
		API:    apiClient,
		Auth:   &fakeRefresher{},
		Store:  testStore("WBA0001"),
		Tokens: testTokens(time.Now()),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce returned %v for a container failure", err)
	}
	if got := apiClient.telemetryLog(); len(got) != 0 {
		t.Errorf("telemetry fetched without a container: %v", got)
	}
	if got := c.Status().LastPollError; !strings.Contains(got, "list containers") {
		t.Errorf("LastPollError = %q, want container failure", got)
	}
}

func TestHandleStreamMessage(t *testing.T) {
	store := testStore("WBA0001")
	c, err := New(nil, Deps{
		API:    &fakeAPI{},
		Auth:   &fakeRefresher{},
		Store:  store,
		Tokens: testTokens(time.Now()),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.HandleStreamMessage(cardata.StreamMessage{
		VIN:     "WBA0001",
		Entries: []cardata.TelemetryEntry{entry("vehicle.cabin.door.lockState", "LOCKED")},
	})
	st, _ := store.Get("WBA0001")
	if got := st.Telemetry["vehicle.cabin.door.lockState"].Value; got != "LOCKED" {
		t.Errorf("merged value = %q, want LOCKED", got)
	}
	if st.StreamUpdatedAt.IsZero() {
		t.Error("stream freshness not stamped")
	}

	// Unknown vehicles are dropped without touching the store.
	c.HandleStreamMessage(cardata.StreamMessage{
		VIN:     "WBA9999",
		Entries: []cardata.TelemetryEntry{entry("vehicle.drivetrain.odometer", "1")},
	})
	if _, ok := store.Get("WBA9999"); ok {
		t.Error("unknown vehicle appeared in store")
	}
}

func TestStatusSnapshot(t *testing.T) {
	apiClient := &fakeAPI{remaining: 37, containers: []api.Container{{ID: "ct-1"}}}
	stream := &fakeStream{state: "connected"}
	c, err := New(nil, Deps{
		API:    apiClient,
		Auth:   &fakeRefresher{},
		Stream: stream,
		Store:  testStore("WBA0001", "WBA0002"),
		Tokens: testTokens(time.Now()),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	st := c.Status()
	if !st.TokenValid {
		t.Error("fresh token reported invalid")
	}
	if st.RemainingCalls != 37 {
		t.Errorf("RemainingCalls = %d, want 37", st.RemainingCalls)
	}
	if st.StreamState != "connected" {
		t.Errorf("StreamState = %q, want connected", st.StreamState)
	}
	if st.Vehicles != 2 {
		t.Errorf("Vehicles = %d, want 2", st.Vehicles)
	}
	if st.LastPoll != nil {
		t.Error("LastPoll set before any cycle ran")
	}

	if err := c.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	st = c.Status()
	if st.LastPoll == nil {
		t.Error("LastPoll missing after a cycle")
	}
	if st.ContainerID != "ct-1" {
		t.Errorf("ContainerID = %q, want ct-1", st.ContainerID)
	}
	if st.LastPollError != "" {
		t.Errorf("LastPollError = %q after a clean cycle", st.LastPollError)
	}
}

func TestStatusWithoutStream(t *testing.T) {
	c, err := New(nil, Deps{
		API:    &fakeAPI{},
		Auth:   &fakeRefresher{},
		Store:  testStore("WBA0001"),
		Tokens: testTokens(time.Now()),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.Status().StreamState; got != "disabled" {
		t.Errorf("StreamState = %q, want disabled", got)
	}
}

func TestStatusExpiredToken(t *testing.T) {
	c, err := New(nil, Deps{
		API:    &fakeAPI{},
		Auth:   &fakeRefresher{},
		Store:  testStore("WBA0001"),
		Tokens: testTokens(time.Now().Add(-2 * time.Hour)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Status().TokenValid {
		t.Error("expired token reported valid")
	}
}

func TestAdoptTokensSkipsPersist(t *testing.T) {
	apiClient := &fakeAPI{}
	stream := &fakeStream{}
	persister := &fakePersister{}
	c, err := New(nil, Deps{
		API:       apiClient,
		Auth:      &fakeRefresher{},
		Stream:    stream,
		Persister: persister,
		Store:     testStore("WBA0001"),
		Tokens:    testTokens(time.Now()),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fresh := auth.TokenSet{AccessToken: "at-9", RefreshToken: "rt-9", IDToken: "idt-9", ExpiresIn: 3600, ObtainedAt: time.Now()}
	c.AdoptTokens(fresh)

	if got := apiClient.accessToken(); got != "at-9" {
		t.Errorf("api access token = %q, want at-9", got)
	}
	if len(stream.tokens) != 1 || stream.tokens[0] != "idt-9" {
		t.Errorf("stream tokens = %v, want [idt-9]", stream.tokens)
	}
	if len(persister.saved) != 0 {
		t.Errorf("adopted tokens were re-persisted: %v", persister.saved)
	}
	if got := c.Tokens().AccessToken; got != "at-9" {
		t.Errorf("Tokens() = %q, want at-9", got)
	}
}

func TestRunPollsOnInterval(t *testing.T) {
	apiClient := &fakeAPI{
		containers: []api.Container{{ID: "ct-1"}},
		telemetry: map[string][]cardata.TelemetryEntry{
			"WBA0001": {entry("vehicle.drivetrain.odometer", "42000")},
		},
	}
	stream := &fakeStream{}
	c, err := New(&Config{PollInterval: 20 * time.Millisecond}, Deps{
		API:    apiClient,
		Auth:   &fakeRefresher{},
		Stream: stream,
		Store:  testStore("WBA0001"),
		Tokens: testTokens(time.Now()),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(apiClient.telemetryLog()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d poll cycles within deadline", len(apiClient.telemetryLog()))
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v on cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	started, stopped := stream.counts()
	if started != 1 || stopped != 1 {
		t.Errorf("stream started %d times, stopped %d, want 1/1", started, stopped)
	}
	if len(stream.tokens) == 0 || stream.tokens[0] != "idt-1" {
		t.Errorf("stream tokens = %v, want the id token first", stream.tokens)
	}
}

func TestRunWithoutIDTokenDisablesStreaming(t *testing.T) {
	tokens := testTokens(time.Now())
	tokens.IDToken = ""
	stream := &fakeStream{}
	c, err := New(&Config{PollInterval: time.Hour}, Deps{
		API:    &fakeAPI{containers: []api.Container{{ID: "ct-1"}}},
		Auth:   &fakeRefresher{},
		Stream: stream,
		Store:  testStore("WBA0001"),
		Tokens: tokens,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	started, stopped := stream.counts()
	if started != 0 {
		t.Errorf("stream started %d times without an id token", started)
	}
	if stopped != 0 {
		t.Errorf("stream stopped %d times although it never started", stopped)
	}
}

func TestRunReturnsReauthError(t *testing.T) {
	refresher := &fakeRefresher{err: fmt.Errorf("%w: status 400", auth.ErrTokenRefreshFailed)}
	c, err := New(nil, Deps{
		API:    &fakeAPI{},
		Auth:   refresher,
		Store:  testStore("WBA0001"),
		Tokens: testTokens(time.Now().Add(-2 * time.Hour)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = c.Run(context.Background())
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("Run error = %v, want ErrReauthRequired", err)
	}
}
