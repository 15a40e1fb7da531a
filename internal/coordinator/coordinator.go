// Package coordinator drives the sync session. It owns the
// authoritative token set, schedules REST poll cycles, feeds stream
// credentials and merges both sources into the vehicle state store.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BertilJ/bmw-data/internal/api"
	"github.com/BertilJ/bmw-data/internal/auth"
	"github.com/BertilJ/bmw-data/internal/cardata"
	"github.com/BertilJ/bmw-data/internal/pkg/metrics"
	"github.com/BertilJ/bmw-data/internal/state"
	"github.com/BertilJ/bmw-data/pkg/log"
)

// ErrReauthRequired reports that the refresh token was rejected and a
// new device-code login is needed. The daemon surfaces it to the
// operator and exits; it is never retried internally.
var ErrReauthRequired = errors.New("re-authentication required")

const (
	DefaultPollInterval  = 30 * time.Minute
	DefaultRefreshMargin = 5 * time.Minute
	DefaultContainerName = "bmw-data"
)

// API is the slice of the REST client the coordinator drives.
type API interface {
	SetAccessToken(token string)
	RemainingCalls() int
	TelematicData(ctx context.Context, vin, containerID string) ([]cardata.TelemetryEntry, error)
	Containers(ctx context.Context) ([]api.Container, error)
	CreateContainer(ctx context.Context, name, purpose string, descriptors []string) (string, error)
}

// TokenRefresher exchanges refresh tokens for fresh sets.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (auth.TokenSet, error)
}

// Stream is the telemetry subscriber surface the coordinator controls.
type Stream interface {
	Start(ctx context.Context)
	Stop()
	UpdateToken(idToken string)
	State() string
}

// TokenPersister writes rotated tokens back to durable storage.
type TokenPersister interface {
	SaveTokens(tok *auth.TokenSet) error
}

// Config holds the scheduling parameters of the sync session.
type Config struct {
	// PollInterval is the cadence of REST poll cycles.
	PollInterval time.Duration

	// RefreshMargin refreshes the access token this long before expiry.
	RefreshMargin time.Duration

	// Container identity used when no container exists yet.
	ContainerName        string
	ContainerPurpose     string
	ContainerDescriptors []string
}

func setConfigDefaults(cfg *Config) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RefreshMargin < 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}
	if cfg.ContainerName == "" {
		cfg.ContainerName = DefaultContainerName
	}
}

// Deps are the collaborators of a Coordinator. Stream and Persister
// are optional; everything else is required.
type Deps struct {
	API       API
	Auth      TokenRefresher
	Stream    Stream
	Store     *state.Store
	Persister TokenPersister

	// Tokens is the initial token set, usually loaded from disk.
	Tokens auth.TokenSet

	Logger log.Logger
}

// Status is a point-in-time view of the sync session, served by the
// HTTP API. Token material itself never appears here.
type Status struct {
	TokenExpiry    time.Time  `json:"token_expiry"`
	TokenValid     bool       `json:"token_valid"`
	RemainingCalls int        `json:"remaining_calls"`
	StreamState    string     `json:"stream_state"`
	ContainerID    string     `json:"container_id,omitempty"`
	LastPoll       *time.Time `json:"last_poll,omitempty"`
	LastPollError  string     `json:"last_poll_error,omitempty"`
	Vehicles       int        `json:"vehicles"`
}

// Coordinator merges REST polling and stream delivery into one
// per-vehicle state store.
type Coordinator struct {
	cfg       *Config
	api       API
	auth      TokenRefresher
	stream    Stream
	store     *state.Store
	persister TokenPersister
	logger    log.Logger
	now       func() time.Time

	mu            sync.Mutex
	tokens        auth.TokenSet
	containerID   string
	lastPoll      time.Time
	lastPollErr   error
	streamStarted bool
}

// New creates a Coordinator. The initial access token is pushed to the
// REST client right away.
func New(cfg *Config, deps Deps) (*Coordinator, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	setConfigDefaults(cfg)

	if deps.API == nil {
		return nil, fmt.Errorf("coordinator: api client is required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("coordinator: auth client is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("coordinator: state store is required")
	}
	if !deps.Tokens.Valid() {
		return nil, fmt.Errorf("coordinator: token set without access token")
	}
	if deps.Logger == nil {
		deps.Logger = log.NewNopLogger()
	}

	c := &Coordinator{
		cfg:       cfg,
		api:       deps.API,
		auth:      deps.Auth,
		stream:    deps.Stream,
		store:     deps.Store,
		persister: deps.Persister,
		logger:    deps.Logger.WithName("coordinator"),
		now:       time.Now,
		tokens:    deps.Tokens,
	}
	c.api.SetAccessToken(deps.Tokens.AccessToken)
	return c, nil
}

// Run executes the sync session: an immediate poll cycle, then one per
// poll interval, with the stream running alongside. It returns nil on
// context cancellation and ErrReauthRequired when the refresh token is
// rejected.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("Starting sync session",
		"poll_interval", c.cfg.PollInterval, "vehicles", len(c.store.VINs()))

	c.startStream(ctx)
	defer c.stopStream()

	if err := c.pollOnce(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Sync session stopping")
			return nil
		case <-ticker.C:
			if err := c.pollOnce(ctx); err != nil {
				return err
			}
		}
	}
}

// HandleStreamMessage merges one decoded stream batch. Store
// subscribers see the update immediately, without waiting for a poll.
func (c *Coordinator) HandleStreamMessage(msg cardata.StreamMessage) {
	if !c.store.MergeStream(msg.VIN, msg.Entries) {
		metrics.StreamMessagesTotal.WithLabelValues("unknown_vehicle").Inc()
		return
	}
	metrics.StreamMessagesTotal.WithLabelValues("ok").Inc()
}

// AdoptTokens installs tokens obtained outside the session, such as a
// login performed while the daemon runs. They are not re-persisted.
func (c *Coordinator) AdoptTokens(tok auth.TokenSet) {
	c.adoptTokens(tok, false)
}

// Tokens returns a snapshot of the active token set.
func (c *Coordinator) Tokens() auth.TokenSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

// Status reports the session state for the HTTP API.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	tokens := c.tokens
	containerID := c.containerID
	lastPoll := c.lastPoll
	lastErr := c.lastPollErr
	c.mu.Unlock()

	st := Status{
		TokenExpiry:    tokens.Expiry(),
		TokenValid:     tokens.Valid() && c.now().Before(tokens.Expiry()),
		RemainingCalls: c.api.RemainingCalls(),
		StreamState:    "disabled",
		ContainerID:    containerID,
		Vehicles:       len(c.store.VINs()),
	}
	if c.stream != nil {
		st.StreamState = c.stream.State()
	}
	if !lastPoll.IsZero() {
		st.LastPoll = &lastPoll
	}
	if lastErr != nil {
		st.LastPollError = lastErr.Error()
	}
	return st
}

// pollOnce runs one REST cycle: token upkeep, container upkeep, then a
// telemetry fetch per vehicle. Only ErrReauthRequired ends the session;
// every other failure is recorded and retried next cycle.
func (c *Coordinator) pollOnce(ctx context.Context) (fatal error) {
	started := c.now()
	result := "ok"
	var cycleErr error

	defer func() {
		c.mu.Lock()
		c.lastPoll = started
		c.lastPollErr = cycleErr
		c.mu.Unlock()
		metrics.PollCyclesTotal.WithLabelValues(result).Inc()
		metrics.PollDuration.Observe(c.now().Sub(started).Seconds())
		metrics.RESTRemainingCalls.Set(float64(c.api.RemainingCalls()))
	}()

	if err := c.ensureToken(ctx); err != nil {
		result = "error"
		cycleErr = err
		if errors.Is(err, ErrReauthRequired) {
			return err
		}
		if ctx.Err() == nil {
			c.logger.Error(err, "Token upkeep failed; skipping this poll cycle")
		}
		return nil
	}

	containerID, err := c.ensureContainer(ctx)
	if err != nil {
		cycleErr = err
		var rl *api.RateLimitError
		switch {
		case errors.As(err, &rl):
			result = "rate_limited"
			c.logger.Warn("REST budget exhausted during container upkeep; resuming next cycle",
				"reset_in", rl.ResetIn)
		case ctx.Err() != nil:
			result = "error"
		default:
			result = "error"
			c.logger.Error(err, "Container upkeep failed; skipping telemetry this cycle")
		}
		return nil
	}

	for _, vin := range c.store.VINs() {
		if ctx.Err() != nil {
			result = "partial"
			return nil
		}

		entries, err := c.api.TelematicData(ctx, vin, containerID)
		if err != nil {
			var rl *api.RateLimitError
			switch {
			case errors.As(err, &rl):
				result = "rate_limited"
				cycleErr = err
				c.logger.Warn("REST budget exhausted; deferring remaining polls",
					"reset_in", rl.ResetIn)
				return nil
			case errors.Is(err, api.ErrUnauthorized):
				result = "error"
				cycleErr = fmt.Errorf("%w: telemetry fetch returned 401", ErrReauthRequired)
				return cycleErr
			case ctx.Err() != nil:
				result = "partial"
				return nil
			default:
				result = "partial"
				cycleErr = err
				c.logger.Warn("Telemetry fetch failed", "vin", vin, "err", err)
				continue
			}
		}

		c.store.MergeREST(vin, entries)
		c.logger.Debug("Merged REST telemetry", "vin", vin, "entries", len(entries))
	}

	return nil
}

// ensureToken refreshes the token set once it is inside the refresh
// margin. A rejected refresh maps to ErrReauthRequired; transport
// failures stay transient.
func (c *Coordinator) ensureToken(ctx context.Context) error {
	c.mu.Lock()
	tokens := c.tokens
	c.mu.Unlock()

	if !tokens.ShouldRefresh(c.cfg.RefreshMargin, c.now()) {
		return nil
	}

	c.logger.Debug("Access token expiring soon; refreshing")

	fresh, err := c.auth.Refresh(ctx, tokens.RefreshToken)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("failure").Inc()
		if errors.Is(err, auth.ErrTokenRefreshFailed) {
			return fmt.Errorf("%w: %v", ErrReauthRequired, err)
		}
		return fmt.Errorf("refresh tokens: %w", err)
	}
	metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()

	c.adoptTokens(fresh, true)
	return nil
}

// adoptTokens swaps the active token set and propagates it: access
// token to the REST client, id token to the stream, the whole set to
// the persister. A persist failure keeps the tokens active in memory.
func (c *Coordinator) adoptTokens(fresh auth.TokenSet, persist bool) {
	c.mu.Lock()
	c.tokens = fresh
	c.mu.Unlock()

	c.api.SetAccessToken(fresh.AccessToken)
	if c.stream != nil && fresh.IDToken != "" {
		c.stream.UpdateToken(fresh.IDToken)
	}

	if persist && c.persister != nil {
		if err := c.persister.SaveTokens(&fresh); err != nil {
			c.logger.Error(err, "Persisting refreshed tokens failed; they remain active in memory")
		}
	}
}

// ensureContainer returns the active container id, reusing the first
// existing container or creating one. The id lives for this session
// only; it is never persisted.
func (c *Coordinator) ensureContainer(ctx context.Context) (string, error) {
	c.mu.Lock()
	id := c.containerID
	c.mu.Unlock()
	if id != "" {
		return id, nil
	}

	containers, err := c.api.Containers(ctx)
	if err != nil {
		return "", fmt.Errorf("list containers: %w", err)
	}
	for _, ct := range containers {
		if ct.ID != "" {
			c.logger.Info("Reusing existing telematic container", "container_id", ct.ID, "name", ct.Name)
			c.setContainerID(ct.ID)
			return ct.ID, nil
		}
	}

	c.logger.Info("No telematic container found; creating one", "name", c.cfg.ContainerName)
	id, err = c.api.CreateContainer(ctx, c.cfg.ContainerName, c.cfg.ContainerPurpose, c.cfg.ContainerDescriptors)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if id == "" {
		return "", fmt.Errorf("container created without an id")
	}
	c.logger.Info("Telematic container created", "container_id", id)
	c.setContainerID(id)
	return id, nil
}

func (c *Coordinator) setContainerID(id string) {
	c.mu.Lock()
	c.containerID = id
	c.mu.Unlock()
}

// startStream pushes the current id token and launches the subscriber.
// Without an id token streaming stays off for the session.
func (c *Coordinator) startStream(ctx context.Context) {
	if c.stream == nil {
		return
	}

	c.mu.Lock()
	idToken := c.tokens.IDToken
	c.mu.Unlock()

	if idToken == "" {
		c.logger.Warn("No id token available; telemetry streaming disabled")
		return
	}

	c.stream.UpdateToken(idToken)
	c.stream.Start(ctx)

	c.mu.Lock()
	c.streamStarted = true
	c.mu.Unlock()
}

func (c *Coordinator) stopStream() {
	c.mu.Lock()
	started := c.streamStarted
	c.mu.Unlock()
	if started {
		c.stream.Stop()
	}
}
