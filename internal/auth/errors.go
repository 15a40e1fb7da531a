package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthorizationPending means the user has not approved the device
	// code yet; polling continues.
	ErrAuthorizationPending = errors.New("authorization pending")

	// ErrSlowDown means the server wants a longer poll interval.
	ErrSlowDown = errors.New("slow down")

	// ErrDeviceCodeExpired means the device code lapsed before approval;
	// the flow must restart from a new device-code request.
	ErrDeviceCodeExpired = errors.New("device code expired")

	// ErrTokenRefreshFailed means the refresh token was rejected; the
	// account must re-authenticate.
	ErrTokenRefreshFailed = errors.New("token refresh failed")
)

// Error is a non-protocol failure from the authorization server.
type Error struct {
	Op     string
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth %s: unexpected status %d: %s", e.Op, e.Status, e.Body)
}
