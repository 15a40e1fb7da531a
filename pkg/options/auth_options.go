package options

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*AuthOptions)(nil)

// AuthOptions contains configuration for the OAuth device-code flow.
type AuthOptions struct {
	// BaseURL is the GCDM OAuth origin; the device-code and token
	// endpoints hang off it.
	BaseURL string `json:"base-url" mapstructure:"base-url"`

	// Timeout bounds a single HTTP exchange with the authorization server.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// NewAuthOptions creates a new AuthOptions with default values.
func NewAuthOptions() *AuthOptions {
	return &AuthOptions{
		BaseURL: "https://customer.bmwgroup.com/gcdm/oauth",
		Timeout: 30 * time.Second,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *AuthOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if u, err := url.Parse(o.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, fmt.Errorf("auth.base-url %q is not an absolute URL", o.BaseURL))
	}

	return errors
}

// AddFlags adds flags for AuthOptions to the specified FlagSet.
func (o *AuthOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.BaseURL, "auth.base-url", o.BaseURL, "The OAuth authorization server origin.")
	fs.DurationVar(&o.Timeout, "auth.timeout", o.Timeout, "Timeout for a single authorization request.")
}
