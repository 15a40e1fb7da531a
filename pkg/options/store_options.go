package options

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
)

var _ IOptions = (*StoreOptions)(nil)

// StoreOptions contains configuration for the persisted account store.
type StoreOptions struct {
	// Path of the account store file.
	Path string `json:"path" mapstructure:"path"`

	// Watch reloads tokens when the file changes on disk, so a login
	// performed next to a running daemon takes effect without a restart.
	Watch bool `json:"watch" mapstructure:"watch"`
}

// NewStoreOptions creates a new StoreOptions with default values. The
// default path follows the user config directory, e.g.
// ~/.config/bmw-data/account.json on Linux.
func NewStoreOptions() *StoreOptions {
	path := "account.json"
	if dir, err := os.UserConfigDir(); err == nil {
		path = filepath.Join(dir, "bmw-data", "account.json")
	}

	return &StoreOptions{
		Path:  path,
		Watch: true,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *StoreOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if o.Path == "" {
		errors = append(errors, fmt.Errorf("store.path must not be empty"))
	}

	return errors
}

// AddFlags adds flags for StoreOptions to the specified FlagSet.
func (o *StoreOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Path, "store.path", o.Path, "Path of the account store file.")
	fs.BoolVar(&o.Watch, "store.watch", o.Watch, "Reload tokens when the store file changes on disk.")
}
