package app

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BertilJ/bmw-data/internal/bridge"
	"github.com/BertilJ/bmw-data/internal/coordinator"
	"github.com/BertilJ/bmw-data/pkg/log"
)

func newRunCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the telemetry sync daemon",
		Long: `Run starts the sync session for the stored account: it refreshes the
tokens ahead of expiry, polls the REST API inside the rate budget,
subscribes to the telemetry stream and serves the merged state over
HTTP until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			defer log.Sync()

			cfg := &bridge.Config{
				APIOptions:    opts.API,
				AuthOptions:   opts.Auth,
				StreamOptions: opts.Stream,
				SyncOptions:   opts.Sync,
				StoreOptions:  opts.Store,
				HTTPOptions:   opts.HTTP,
				Logger:        log.Std(),
			}

			b, err := cfg.NewBridge()
			if err != nil {
				return err
			}

			err = b.Run(ctx)
			if errors.Is(err, coordinator.ErrReauthRequired) {
				return fmt.Errorf(`%w; run "bmw-data login" to sign in again`, err)
			}

			return err
		},
	}
}
