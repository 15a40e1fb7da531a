package api

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthorized means the API rejected the access token. The
	// caller decides whether a refresh or a full re-authentication is due.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrServerRateLimited means the upstream returned 429 despite the
	// client-side budget, e.g. another client shares the account.
	ErrServerRateLimited = errors.New("rate limited by server")
)

// RateLimitError is returned when the client-side call budget is
// exhausted. The call was not performed and not billed.
type RateLimitError struct {
	// Limit is the budget size the window allows.
	Limit int

	// ResetIn is how long until the oldest billed call leaves the window.
	ResetIn time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit reached (%d calls), resets in %s", e.Limit, e.ResetIn.Round(time.Second))
}

// APIError is any other non-2xx response.
type APIError struct {
	Status int

	// Body is the response body, truncated.
	Body string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}
