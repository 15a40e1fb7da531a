package app

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/BertilJ/bmw-data/pkg/log"
	"github.com/BertilJ/bmw-data/pkg/options"
)

const (
	commandName = "bmw-data"
	commandDesc = `bmw-data keeps a local mirror of BMW CarData vehicle telemetry.

It signs in with the CarData device flow, polls the REST API inside the
50-calls-per-day budget, subscribes to the telemetry stream over MQTT
and serves the merged per-vehicle state on a local HTTP API.`
)

// version is overridden at build time via -ldflags.
var version = "dev"

// Options aggregates every flag group of the bmw-data command.
type Options struct {
	API    *options.APIOptions    `json:"api" mapstructure:"api"`
	Auth   *options.AuthOptions   `json:"auth" mapstructure:"auth"`
	Stream *options.StreamOptions `json:"stream" mapstructure:"stream"`
	Sync   *options.SyncOptions   `json:"sync" mapstructure:"sync"`
	Store  *options.StoreOptions  `json:"store" mapstructure:"store"`
	HTTP   *options.HTTPOptions   `json:"http" mapstructure:"http"`
	Log    *log.Options           `json:"log" mapstructure:"log"`
}

// NewOptions creates Options with the defaults of every group.
func NewOptions() *Options {
	return &Options{
		API:    options.NewAPIOptions(),
		Auth:   options.NewAuthOptions(),
		Stream: options.NewStreamOptions(),
		Sync:   options.NewSyncOptions(),
		Store:  options.NewStoreOptions(),
		HTTP:   options.NewHTTPOptions(),
		Log:    log.NewOptions(),
	}
}

// Validate checks every option group and reports all problems at once.
func (o *Options) Validate() error {
	var errs []error
	for _, group := range []options.IOptions{o.API, o.Auth, o.Stream, o.Sync, o.Store, o.HTTP} {
		errs = append(errs, group.Validate()...)
	}
	errs = append(errs, o.Log.Validate()...)

	return errors.Join(errs...)
}

// AddFlags registers the flags of every group on fs.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	o.API.AddFlags(fs)
	o.Auth.AddFlags(fs)
	o.Stream.AddFlags(fs)
	o.Sync.AddFlags(fs)
	o.Store.AddFlags(fs)
	o.HTTP.AddFlags(fs)
	o.Log.AddFlags(fs)
}

// NewRootCommand builds the bmw-data command tree.
func NewRootCommand() *cobra.Command {
	opts := NewOptions()

	var cfgFile string

	cmd := &cobra.Command{
		Use:          commandName,
		Short:        "Mirror BMW CarData telemetry locally",
		Long:         commandDesc,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, opts, cfgFile); err != nil {
				return err
			}
			if err := opts.Validate(); err != nil {
				return err
			}

			log.Init(opts.Log)

			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to a config file; flags override its values.")
	opts.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newLoginCommand(opts),
		newRunCommand(opts),
		newVehiclesCommand(opts),
		newStatusCommand(opts),
	)

	return cmd
}

// loadConfig merges the config file and the command line into opts.
// Changed flags win over file values, which win over flag defaults.
func loadConfig(cmd *cobra.Command, opts *Options, cfgFile string) error {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if err := v.Unmarshal(opts); err != nil {
		return fmt.Errorf("apply configuration: %w", err)
	}

	return nil
}
