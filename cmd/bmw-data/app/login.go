package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BertilJ/bmw-data/internal/api"
	"github.com/BertilJ/bmw-data/internal/auth"
	"github.com/BertilJ/bmw-data/internal/store"
	"github.com/BertilJ/bmw-data/pkg/log"
)

func newLoginCommand(opts *Options) *cobra.Command {
	var clientID string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with the CarData device flow",
		Long: `Login authorizes this machine against the BMW CarData API: it prints
a verification URL and a user code, waits for the confirmation in the
browser and writes the resulting tokens to the account file. It then
discovers the vehicles mapped to the account.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, opts, clientID)
		},
	}

	cmd.Flags().StringVar(&clientID, "client-id", "", "The CarData client id from the customer portal.")

	return cmd
}

func runLogin(cmd *cobra.Command, opts *Options, clientID string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	accountStore := store.NewStore(opts.Store.Path, log.Std())

	acc, err := accountStore.Load()
	switch {
	case errors.Is(err, store.ErrNotFound):
		acc = &store.Account{}
	case err != nil:
		return err
	}

	if clientID == "" {
		clientID = acc.ClientID
	}
	if clientID == "" {
		clientID, err = promptClientID(cmd)
		if err != nil {
			return err
		}
	}
	acc.ClientID = clientID

	authClient := auth.NewClient(auth.Config{
		BaseURL: opts.Auth.BaseURL,
		Timeout: opts.Auth.Timeout,
	}, clientID, log.Std())

	da, err := authClient.RequestDeviceAuthorization(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Visit %s and enter the code %s.\n", da.VerificationURI, da.UserCode)
	if da.VerificationURIComplete != "" {
		fmt.Fprintf(out, "Or open %s directly.\n", da.VerificationURIComplete)
	}
	fmt.Fprintln(out, "Waiting for the sign-in to be confirmed...")

	tokens, err := authClient.WaitForToken(ctx, da)
	if err != nil {
		return err
	}
	acc.Tokens = &tokens

	fmt.Fprintln(out, "Authorized.")

	discoverVehicles(ctx, opts, acc, tokens.AccessToken, out)

	if err := accountStore.Save(acc); err != nil {
		return err
	}

	fmt.Fprintf(out, "Signed in. Account saved to %s.\n", accountStore.Path())
	for _, v := range acc.Vehicles {
		fmt.Fprintf(out, "  %s  %s %s\n", v.VIN, v.Brand, v.Model)
	}

	return nil
}

func promptClientID(cmd *cobra.Command) (string, error) {
	fmt.Fprint(cmd.OutOrStdout(), "CarData client id: ")

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read client id: %w", err)
	}

	clientID := strings.TrimSpace(line)
	if clientID == "" {
		return "", fmt.Errorf("a client id is required; create one in the CarData customer portal")
	}

	return clientID, nil
}

// discoverVehicles refreshes the stored vehicle list. Discovery rides on
// the same call budget as polling, so a failure keeps the previous list
// instead of blocking the login.
func discoverVehicles(ctx context.Context, opts *Options, acc *store.Account, accessToken string, out io.Writer) {
	apiClient := api.NewClient(api.Config{
		BaseURL:         opts.API.BaseURL,
		Version:         opts.API.Version,
		Timeout:         opts.API.Timeout,
		RateLimitCalls:  opts.API.RateLimitCalls,
		RateLimitWindow: opts.API.RateLimitWindow,
	}, log.Std())
	apiClient.SetAccessToken(accessToken)

	vehicles, err := apiClient.DiscoverVehicles(ctx)
	if err != nil {
		if len(acc.Vehicles) > 0 {
			fmt.Fprintf(out, "Vehicle discovery failed (%v); keeping the %d stored vehicle(s).\n", err, len(acc.Vehicles))
		} else {
			fmt.Fprintf(out, "Vehicle discovery failed (%v); run login again once the API is reachable.\n", err)
		}
		return
	}

	if len(vehicles) == 0 {
		fmt.Fprintln(out, "The account has no mapped vehicles; map them in the CarData portal first.")
	}
	acc.Vehicles = vehicles
}
