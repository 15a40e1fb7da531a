// Package api implements the CarData REST client. Every call passes a
// client-side sliding-window budget first, mirroring the upstream
// 50-calls-per-24h quota so the bridge degrades before the server does.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BertilJ/bmw-data/internal/cardata"
	"github.com/BertilJ/bmw-data/internal/pkg/metrics"
	"github.com/BertilJ/bmw-data/pkg/log"
)

const (
	// DefaultBaseURL is the CarData API origin.
	DefaultBaseURL = "https://api-cardata.bmwgroup.com"

	// DefaultVersion is the value of the mandatory x-version header.
	DefaultVersion = "v1"

	// Upstream quota the client-side ledger mirrors.
	DefaultRateLimitCalls  = 50
	DefaultRateLimitWindow = 24 * time.Hour

	maxErrorBody = 500
)

// Config carries the settings for the REST client.
type Config struct {
	BaseURL string
	Version string
	Timeout time.Duration

	RateLimitCalls  int
	RateLimitWindow time.Duration
}

// Container is a telematic data container definition.
type Container struct {
	ID      string
	Name    string
	Purpose string
}

// Client is the rate-limited CarData REST client. It holds a copy of
// the current access token; the coordinator owns the authoritative set
// and pushes updates via SetAccessToken.
type Client struct {
	http    *http.Client
	baseURL string
	version string
	limiter *ledger
	logger  log.Logger

	mu          sync.RWMutex
	accessToken string
}

// NewClient creates a CarData REST client.
func NewClient(cfg Config, logger log.Logger) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}

	version := cfg.Version
	if version == "" {
		version = DefaultVersion
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	calls := cfg.RateLimitCalls
	if calls <= 0 {
		calls = DefaultRateLimitCalls
	}

	window := cfg.RateLimitWindow
	if window <= 0 {
		window = DefaultRateLimitWindow
	}

	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(base, "/"),
		version: version,
		limiter: newLedger(calls, window),
		logger:  logger.WithName("api"),
	}
}

// SetAccessToken installs the token used for subsequent calls.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// RemainingCalls reports the budget left in the sliding window.
func (c *Client) RemainingCalls() int {
	return c.limiter.remaining()
}

// Mappings returns the VINs mapped to the account.
// Endpoint: GET /customers/vehicles/mappings.
func (c *Client) Mappings(ctx context.Context) ([]string, error) {
	body, err := c.request(ctx, http.MethodGet, "/customers/vehicles/mappings", nil, nil, "mappings")
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	items, err := unwrapList(body, "mappings")
	if err != nil {
		return nil, fmt.Errorf("decode mappings: %w", err)
	}

	vins := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := bytes.TrimSpace(item)
		if len(trimmed) == 0 {
			continue
		}

		if trimmed[0] == '"' {
			var vin string
			if err := json.Unmarshal(trimmed, &vin); err == nil && vin != "" {
				vins = append(vins, vin)
			}
			continue
		}

		var mapping struct {
			VIN string `json:"vin"`
		}
		if err := json.Unmarshal(trimmed, &mapping); err == nil && mapping.VIN != "" {
			vins = append(vins, mapping.VIN)
		}
	}

	return vins, nil
}

// BasicData returns the identity of one vehicle. Missing fields fall
// back to placeholders; the VIN always comes from the argument because
// the endpoint does not reliably echo it.
// Endpoint: GET /customers/vehicles/{vin}/basicData.
func (c *Client) BasicData(ctx context.Context, vin string) (cardata.VehicleIdentity, error) {
	body, err := c.request(ctx, http.MethodGet, "/customers/vehicles/"+url.PathEscape(vin)+"/basicData", nil, nil, "basic_data")
	if err != nil {
		return cardata.VehicleIdentity{}, err
	}

	identity := cardata.VehicleIdentity{VIN: vin, Brand: "BMW", Model: "Unknown"}
	if body == nil {
		return identity, nil
	}

	var wire struct {
		Brand            string `json:"brand"`
		Model            string `json:"model"`
		Propulsion       string `json:"propulsion"`
		ConstructionYear int    `json:"constructionYear"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return cardata.VehicleIdentity{}, fmt.Errorf("decode basic data: %w", err)
	}

	if wire.Brand != "" {
		identity.Brand = wire.Brand
	}
	if wire.Model != "" {
		identity.Model = wire.Model
	}
	identity.Propulsion = wire.Propulsion
	identity.ConstructionYear = wire.ConstructionYear

	return identity, nil
}

// TelematicData returns the current readings of the container's
// descriptors for one vehicle.
// Endpoint: GET /customers/vehicles/{vin}/telematicData?containerId=.
func (c *Client) TelematicData(ctx context.Context, vin, containerID string) ([]cardata.TelemetryEntry, error) {
	query := url.Values{"containerId": {containerID}}

	body, err := c.request(ctx, http.MethodGet, "/customers/vehicles/"+url.PathEscape(vin)+"/telematicData", query, nil, "telematic_data")
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	var wire struct {
		TelematicData map[string]json.RawMessage `json:"telematicData"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode telematic data: %w", err)
	}

	return cardata.EntriesFromObject(wire.TelematicData), nil
}

// Containers lists the account's telematic containers.
// Endpoint: GET /customers/containers.
func (c *Client) Containers(ctx context.Context) ([]Container, error) {
	body, err := c.request(ctx, http.MethodGet, "/customers/containers", nil, nil, "containers")
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	items, err := unwrapList(body, "containers")
	if err != nil {
		return nil, fmt.Errorf("decode containers: %w", err)
	}

	containers := make([]Container, 0, len(items))
	for _, item := range items {
		var wire struct {
			ContainerID string `json:"containerId"`
			ID          string `json:"id"`
			AltID       string `json:"container_id"`
			Name        string `json:"name"`
			Purpose     string `json:"purpose"`
		}
		if err := json.Unmarshal(item, &wire); err != nil {
			continue
		}

		id := wire.ContainerID
		if id == "" {
			id = wire.ID
		}
		if id == "" {
			id = wire.AltID
		}

		containers = append(containers, Container{ID: id, Name: wire.Name, Purpose: wire.Purpose})
	}

	return containers, nil
}

// CreateContainer registers a telematic container and returns its id.
// Endpoint: POST /customers/containers.
func (c *Client) CreateContainer(ctx context.Context, name, purpose string, descriptors []string) (string, error) {
	reqBody := map[string]any{
		"name":                 name,
		"purpose":              purpose,
		"technicalDescriptors": descriptors,
	}

	body, err := c.request(ctx, http.MethodPost, "/customers/containers", nil, reqBody, "create_container")
	if err != nil {
		return "", err
	}
	if body == nil {
		return "", fmt.Errorf("create container: empty response")
	}

	var wire struct {
		ContainerID string `json:"containerId"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return "", fmt.Errorf("decode create container response: %w", err)
	}

	c.logger.Info("created telematic container", "name", name, "container_id", wire.ContainerID)

	return wire.ContainerID, nil
}

// DiscoverVehicles resolves the account's VINs to identities. A failed
// basicData lookup degrades that vehicle to a placeholder identity
// instead of failing the discovery; only an exhausted call budget or a
// canceled context aborts.
func (c *Client) DiscoverVehicles(ctx context.Context) ([]cardata.VehicleIdentity, error) {
	vins, err := c.Mappings(ctx)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("discovered vehicle mappings", "count", len(vins))

	vehicles := make([]cardata.VehicleIdentity, 0, len(vins))
	for _, vin := range vins {
		identity, err := c.BasicData(ctx, vin)
		if err != nil {
			var rle *RateLimitError
			if errors.As(err, &rle) {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			c.logger.Warn("basic data lookup failed, using placeholder identity", "vin", vin, "err", err)
			identity = cardata.VehicleIdentity{VIN: vin, Brand: "BMW", Model: "Unknown"}
		}

		vehicles = append(vehicles, identity)
	}

	return vehicles, nil
}

// request performs one billed API exchange. The budget check happens
// before the call and fails without billing; a completed exchange bills
// the ledger whatever its status, because the upstream quota does too.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, reqBody any, endpoint string) ([]byte, error) {
	if err := c.limiter.check(); err != nil {
		metrics.RateLimitHitsTotal.Inc()
		return nil, err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	token := c.accessToken
	c.mu.RUnlock()

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-version", c.version)
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("API request", "method", method, "path", path)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RESTRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	c.limiter.record()
	metrics.RESTRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	metrics.RESTRemainingCalls.Set(float64(c.limiter.remaining()))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("API response", "status", resp.StatusCode, "remaining_calls", c.limiter.remaining())

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%s: %w", endpoint, ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%s: %w", endpoint, ErrServerRateLimited)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		apiErr := &APIError{Status: resp.StatusCode, Body: string(body)}
		if len(apiErr.Body) > maxErrorBody {
			apiErr.Body = apiErr.Body[:maxErrorBody]
		}
		return nil, apiErr
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	return body, nil
}

// unwrapList accepts either a bare JSON list or an object wrapping the
// list under the given key.
func unwrapList(body []byte, key string) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, err
	}

	inner, ok := wrapper[key]
	if !ok {
		return nil, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(inner, &items); err != nil {
		return nil, err
	}
	return items, nil
}
