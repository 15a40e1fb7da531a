package auth

import "time"

// TokenSet is one issued set of OAuth tokens. The coordinator owns the
// authoritative copy; other components receive values.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`

	// IDToken doubles as the MQTT stream password. Empty when the
	// authorization server did not include one.
	IDToken string `json:"id_token,omitempty"`

	// GCID is the account identifier, used as the MQTT username.
	GCID string `json:"gcid,omitempty"`

	// ExpiresIn is the access token lifetime in seconds as issued.
	ExpiresIn int `json:"expires_in"`

	// ObtainedAt is the local receive time the lifetime counts from.
	ObtainedAt time.Time `json:"obtained_at"`
}

// Expiry returns the absolute expiry time of the access token.
func (t TokenSet) Expiry() time.Time {
	return t.ObtainedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// ShouldRefresh reports whether the token is within margin of expiry at
// the given instant. Holds exactly from expiry-margin onward.
func (t TokenSet) ShouldRefresh(margin time.Duration, now time.Time) bool {
	return !now.Before(t.Expiry().Add(-margin))
}

// Valid reports whether the set carries a usable access token.
func (t TokenSet) Valid() bool {
	return t.AccessToken != ""
}

// DeviceAuthorization is the response to a device-code request: what
// the user must visit and enter, and how to poll for the outcome.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`

	// ExpiresIn is the device code lifetime in seconds.
	ExpiresIn int `json:"expires_in"`

	// Interval is the server-requested seconds between token polls.
	Interval int `json:"interval"`
}
