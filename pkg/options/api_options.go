package options

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*APIOptions)(nil)

// APIOptions contains configuration for the CarData REST API client.
type APIOptions struct {
	// BaseURL is the API origin, without a trailing slash.
	BaseURL string `json:"base-url" mapstructure:"base-url"`

	// Version is sent as the x-version header on every request.
	Version string `json:"version" mapstructure:"version"`

	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// Client-side quota: RateLimitCalls per RateLimitWindow, enforced
	// before the upstream rejects the call.
	RateLimitCalls  int           `json:"rate-limit-calls" mapstructure:"rate-limit-calls"`
	RateLimitWindow time.Duration `json:"rate-limit-window" mapstructure:"rate-limit-window"`
}

// NewAPIOptions creates a new APIOptions with default values.
func NewAPIOptions() *APIOptions {
	return &APIOptions{
		BaseURL:         "https://api-cardata.bmwgroup.com",
		Version:         "v1",
		Timeout:         30 * time.Second,
		RateLimitCalls:  50,
		RateLimitWindow: 24 * time.Hour,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *APIOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if u, err := url.Parse(o.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, fmt.Errorf("api.base-url %q is not an absolute URL", o.BaseURL))
	}

	if o.RateLimitCalls <= 0 {
		errors = append(errors, fmt.Errorf("api.rate-limit-calls must be positive, got %d", o.RateLimitCalls))
	}

	if o.RateLimitWindow <= 0 {
		errors = append(errors, fmt.Errorf("api.rate-limit-window must be positive, got %s", o.RateLimitWindow))
	}

	return errors
}

// AddFlags adds flags for APIOptions to the specified FlagSet.
func (o *APIOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.BaseURL, "api.base-url", o.BaseURL, "The CarData REST API origin.")
	fs.StringVar(&o.Version, "api.version", o.Version, "Value of the x-version header.")
	fs.DurationVar(&o.Timeout, "api.timeout", o.Timeout, "Timeout for a single API request.")
	fs.IntVar(&o.RateLimitCalls, "api.rate-limit-calls", o.RateLimitCalls, "Number of API calls allowed per window.")
	fs.DurationVar(&o.RateLimitWindow, "api.rate-limit-window", o.RateLimitWindow, "Length of the sliding rate-limit window.")
}
