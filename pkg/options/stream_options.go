package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*StreamOptions)(nil)

// StreamOptions contains configuration for the MQTT telemetry stream.
type StreamOptions struct {
	// Broker is the host:port of the CarData streaming endpoint. The
	// connection is always TLS.
	Broker string `json:"broker" mapstructure:"broker"`

	// Client behavior
	KeepAlive      time.Duration `json:"keep-alive" mapstructure:"keep-alive"`
	ConnectTimeout time.Duration `json:"connect-timeout" mapstructure:"connect-timeout"`

	// Reconnect backoff bounds. The delay starts at ReconnectMin and
	// doubles per failed attempt up to ReconnectMax.
	ReconnectMin time.Duration `json:"reconnect-min" mapstructure:"reconnect-min"`
	ReconnectMax time.Duration `json:"reconnect-max" mapstructure:"reconnect-max"`

	// InsecureSkipVerify disables TLS certificate verification. Testing only.
	InsecureSkipVerify bool `json:"insecure-skip-verify" mapstructure:"insecure-skip-verify"`

	// TopicRoot is the first segment of the per-vehicle telemetry topics,
	// {TopicRoot}/{vin}/telemetry.
	TopicRoot string `json:"topic-root" mapstructure:"topic-root"`

	// ClientIDSuffix is appended to the account id to form the MQTT client id.
	ClientIDSuffix string `json:"client-id-suffix" mapstructure:"client-id-suffix"`
}

// NewStreamOptions creates a new StreamOptions with default values.
func NewStreamOptions() *StreamOptions {
	return &StreamOptions{
		Broker:         "customer.streaming-cardata.bmwgroup.com:9000",
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectMin:   5 * time.Second,
		ReconnectMax:   300 * time.Second,
		TopicRoot:      "cardata",
		ClientIDSuffix: "-bridge",
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *StreamOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if err := ValidateAddress(o.Broker); err != nil {
		errors = append(errors, err)
	}

	if o.ReconnectMin <= 0 {
		errors = append(errors, fmt.Errorf("stream.reconnect-min must be positive, got %s", o.ReconnectMin))
	}

	if o.ReconnectMax < o.ReconnectMin {
		errors = append(errors, fmt.Errorf("stream.reconnect-max (%s) must not be below stream.reconnect-min (%s)",
			o.ReconnectMax, o.ReconnectMin))
	}

	if o.TopicRoot == "" {
		errors = append(errors, fmt.Errorf("stream.topic-root must not be empty"))
	}

	return errors
}

// AddFlags adds flags for StreamOptions to the specified FlagSet.
func (o *StreamOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Broker, "stream.broker", o.Broker, "The host:port of the MQTT streaming endpoint.")
	fs.DurationVar(&o.KeepAlive, "stream.keep-alive", o.KeepAlive, "MQTT keep alive interval.")
	fs.DurationVar(&o.ConnectTimeout, "stream.connect-timeout", o.ConnectTimeout, "Timeout for establishing the MQTT connection.")
	fs.DurationVar(&o.ReconnectMin, "stream.reconnect-min", o.ReconnectMin, "Initial reconnect backoff delay.")
	fs.DurationVar(&o.ReconnectMax, "stream.reconnect-max", o.ReconnectMax, "Maximum reconnect backoff delay.")
	fs.BoolVar(&o.InsecureSkipVerify, "stream.insecure-skip-verify", o.InsecureSkipVerify, "If true, skips the TLS certificate verification.")
	fs.StringVar(&o.TopicRoot, "stream.topic-root", o.TopicRoot, "Topic prefix for per-vehicle telemetry topics.")
	fs.StringVar(&o.ClientIDSuffix, "stream.client-id-suffix", o.ClientIDSuffix, "Suffix appended to the account id to form the MQTT client id.")
}
