package app

import (
	"errors"
	"fmt"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/BertilJ/bmw-data/internal/store"
	"github.com/BertilJ/bmw-data/pkg/log"
)

func newVehiclesCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "vehicles",
		Short: "List the vehicles stored for this account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			accountStore := store.NewStore(opts.Store.Path, log.Std())

			acc, err := accountStore.Load()
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf(`no account at %s, run "bmw-data login" first`, accountStore.Path())
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if len(acc.Vehicles) == 0 {
				fmt.Fprintln(out, `No vehicles stored. Run "bmw-data login" to discover them.`)
				return nil
			}

			table := uitable.New()
			table.AddRow("VIN", "BRAND", "MODEL", "PROPULSION", "YEAR")
			for _, v := range acc.Vehicles {
				year := ""
				if v.ConstructionYear != 0 {
					year = fmt.Sprintf("%d", v.ConstructionYear)
				}
				table.AddRow(v.VIN, v.Brand, v.Model, v.Propulsion, year)
			}
			fmt.Fprintln(out, table)

			return nil
		},
	}
}
