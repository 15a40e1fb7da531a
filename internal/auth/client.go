// Package auth implements the OAuth 2.0 device-code flow with PKCE
// against the BMW group authorization server, plus refresh-token
// rotation for long-running sessions.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BertilJ/bmw-data/pkg/log"
)

const (
	// DefaultBaseURL is the GCDM OAuth origin.
	DefaultBaseURL = "https://customer.bmwgroup.com/gcdm/oauth"

	// Scopes requested for API and streaming access.
	Scopes = "authenticate_user openid cardata:api:read cardata:streaming:read"

	deviceCodePath = "/device/code"
	tokenPath      = "/token"

	grantDeviceCode = "urn:ietf:params:oauth:grant-type:device_code"
	grantRefresh    = "refresh_token"

	// Server-omitted defaults.
	defaultDeviceCodeTTL = 300
	defaultPollInterval  = 5 * time.Second
	defaultTokenTTL      = 3599

	// maxPollInterval caps the growth from slow_down responses.
	maxPollInterval = 10 * time.Second

	maxErrorBody = 500
)

// Config carries the endpoint settings for the auth client.
type Config struct {
	// BaseURL overrides DefaultBaseURL when set.
	BaseURL string

	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration
}

// Client performs the device-code flow for one OAuth client id.
type Client struct {
	http     *http.Client
	baseURL  string
	clientID string
	logger   log.Logger

	// verifier is the PKCE secret of the in-flight authorization. A new
	// one is drawn per device-code request and never logged.
	verifier string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates an auth client for the given OAuth client id.
func NewClient(cfg Config, clientID string, logger log.Logger) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &Client{
		http:     &http.Client{Timeout: timeout},
		baseURL:  strings.TrimRight(base, "/"),
		clientID: clientID,
		logger:   logger.WithName("auth"),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// RequestDeviceAuthorization starts a device-code authorization. Each
// call draws a fresh PKCE verifier, invalidating any earlier attempt.
func (c *Client) RequestDeviceAuthorization(ctx context.Context) (DeviceAuthorization, error) {
	verifier, err := GenerateVerifier()
	if err != nil {
		return DeviceAuthorization{}, err
	}
	c.verifier = verifier

	form := url.Values{
		"client_id":             {c.clientID},
		"response_type":         {"device_code"},
		"scope":                 {Scopes},
		"code_challenge":        {ChallengeS256(verifier)},
		"code_challenge_method": {"S256"},
	}

	status, body, err := c.postForm(ctx, c.baseURL+deviceCodePath, form)
	if err != nil {
		return DeviceAuthorization{}, fmt.Errorf("request device code: %w", err)
	}
	if status != http.StatusOK {
		return DeviceAuthorization{}, &Error{Op: "device code request", Status: status, Body: truncate(body)}
	}

	var da DeviceAuthorization
	if err := json.Unmarshal(body, &da); err != nil {
		return DeviceAuthorization{}, fmt.Errorf("decode device code response: %w", err)
	}

	if da.ExpiresIn <= 0 {
		da.ExpiresIn = defaultDeviceCodeTTL
	}
	if da.Interval <= 0 {
		da.Interval = int(defaultPollInterval / time.Second)
	}

	c.logger.Debug("device authorization started",
		"verification_uri", da.VerificationURI, "expires_in", da.ExpiresIn, "interval", da.Interval)

	return da, nil
}

// PollToken performs one token poll for the given device code.
// Control-flow outcomes map to sentinel errors: ErrAuthorizationPending,
// ErrSlowDown and ErrDeviceCodeExpired; anything else unexpected
// surfaces as *Error.
func (c *Client) PollToken(ctx context.Context, deviceCode string) (TokenSet, error) {
	form := url.Values{
		"client_id":     {c.clientID},
		"device_code":   {deviceCode},
		"grant_type":    {grantDeviceCode},
		"code_verifier": {c.verifier},
	}

	status, body, err := c.postForm(ctx, c.baseURL+tokenPath, form)
	if err != nil {
		return TokenSet{}, fmt.Errorf("poll token: %w", err)
	}

	if status == http.StatusOK {
		return c.decodeTokenResponse(body, "")
	}

	var oauthErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &oauthErr)

	switch {
	// the server answers 403 while the user has not finished the
	// browser flow, alongside the standard pending error code
	case oauthErr.Error == "authorization_pending" || status == http.StatusForbidden:
		return TokenSet{}, ErrAuthorizationPending
	case oauthErr.Error == "slow_down":
		return TokenSet{}, ErrSlowDown
	case status == http.StatusUnauthorized:
		return TokenSet{}, ErrDeviceCodeExpired
	default:
		return TokenSet{}, &Error{Op: "token poll", Status: status, Body: truncate(body)}
	}
}

// WaitForToken polls until the user approves, the device code expires,
// or ctx is canceled. The interval starts at the server-requested value
// and grows by two seconds per slow_down, capped at maxPollInterval.
func (c *Client) WaitForToken(ctx context.Context, da DeviceAuthorization) (TokenSet, error) {
	interval := time.Duration(da.Interval) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}

	deadline := c.now().Add(time.Duration(da.ExpiresIn) * time.Second)

	for {
		if err := c.sleep(ctx, interval); err != nil {
			return TokenSet{}, err
		}

		if c.now().After(deadline) {
			return TokenSet{}, ErrDeviceCodeExpired
		}

		tokens, err := c.PollToken(ctx, da.DeviceCode)
		switch {
		case err == nil:
			c.logger.Info("authorization granted", "expires_in", tokens.ExpiresIn)
			return tokens, nil
		case errors.Is(err, ErrAuthorizationPending):
			continue
		case errors.Is(err, ErrSlowDown):
			interval += 2 * time.Second
			if interval > maxPollInterval {
				interval = maxPollInterval
			}
			c.logger.Debug("server requested slower polling", "interval", interval)
		default:
			return TokenSet{}, err
		}
	}
}

// Refresh exchanges a refresh token for a new TokenSet. When the server
// omits a rotated refresh token, the old one is carried forward. Any
// rejection wraps ErrTokenRefreshFailed, which upstream treats as a
// re-authentication signal.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	form := url.Values{
		"client_id":     {c.clientID},
		"refresh_token": {refreshToken},
		"grant_type":    {grantRefresh},
	}

	status, body, err := c.postForm(ctx, c.baseURL+tokenPath, form)
	if err != nil {
		return TokenSet{}, fmt.Errorf("refresh token: %w", err)
	}
	if status != http.StatusOK {
		return TokenSet{}, fmt.Errorf("%w: status %d: %s", ErrTokenRefreshFailed, status, truncate(body))
	}

	tokens, err := c.decodeTokenResponse(body, refreshToken)
	if err != nil {
		return TokenSet{}, fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
	}

	c.logger.Debug("token refreshed", "expires_in", tokens.ExpiresIn)

	return tokens, nil
}

func (c *Client) decodeTokenResponse(body []byte, previousRefresh string) (TokenSet, error) {
	var wire struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
		GCID         string `json:"gcid"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return TokenSet{}, fmt.Errorf("decode token response: %w", err)
	}

	if wire.AccessToken == "" {
		return TokenSet{}, fmt.Errorf("token response without access_token")
	}
	if wire.RefreshToken == "" {
		wire.RefreshToken = previousRefresh
	}
	if wire.ExpiresIn <= 0 {
		wire.ExpiresIn = defaultTokenTTL
	}

	return TokenSet{
		AccessToken:  wire.AccessToken,
		RefreshToken: wire.RefreshToken,
		IDToken:      wire.IDToken,
		GCID:         wire.GCID,
		ExpiresIn:    wire.ExpiresIn,
		ObtainedAt:   c.now(),
	}, nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}

	return resp.StatusCode, body, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody])
	}
	return string(body)
}
