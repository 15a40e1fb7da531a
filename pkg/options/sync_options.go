package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*SyncOptions)(nil)

// SyncOptions contains configuration for the sync coordinator.
type SyncOptions struct {
	// PollInterval is the cadence of REST poll cycles.
	PollInterval time.Duration `json:"poll-interval" mapstructure:"poll-interval"`

	// RefreshMargin refreshes the token this long before its expiry.
	RefreshMargin time.Duration `json:"refresh-margin" mapstructure:"refresh-margin"`

	// Telematic container identity used when none exists yet.
	ContainerName    string `json:"container-name" mapstructure:"container-name"`
	ContainerPurpose string `json:"container-purpose" mapstructure:"container-purpose"`
}

// NewSyncOptions creates a new SyncOptions with default values.
func NewSyncOptions() *SyncOptions {
	return &SyncOptions{
		PollInterval:     30 * time.Minute,
		RefreshMargin:    5 * time.Minute,
		ContainerName:    "bmw-data",
		ContainerPurpose: "Vehicle telemetry synchronized by the bmw-data bridge",
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *SyncOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if o.PollInterval <= 0 {
		errors = append(errors, fmt.Errorf("sync.poll-interval must be positive, got %s", o.PollInterval))
	}

	if o.RefreshMargin < 0 {
		errors = append(errors, fmt.Errorf("sync.refresh-margin must not be negative, got %s", o.RefreshMargin))
	}

	if o.ContainerName == "" {
		errors = append(errors, fmt.Errorf("sync.container-name must not be empty"))
	}

	return errors
}

// AddFlags adds flags for SyncOptions to the specified FlagSet.
func (o *SyncOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.DurationVar(&o.PollInterval, "sync.poll-interval", o.PollInterval, "Interval between REST poll cycles.")
	fs.DurationVar(&o.RefreshMargin, "sync.refresh-margin", o.RefreshMargin, "How long before expiry the access token refreshes.")
	fs.StringVar(&o.ContainerName, "sync.container-name", o.ContainerName, "Name of the telematic container created on first run.")
	fs.StringVar(&o.ContainerPurpose, "sync.container-purpose", o.ContainerPurpose, "Purpose of the telematic container created on first run.")
}
