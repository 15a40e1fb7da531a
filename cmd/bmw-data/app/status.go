package app

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/BertilJ/bmw-data/internal/coordinator"
)

const statusTimeout = 5 * time.Second

func newStatusCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running sync daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := fetchStatus(cmd, opts.HTTP.Addr)
			if err != nil {
				return err
			}

			printStatus(cmd.OutOrStdout(), st)

			return nil
		},
	}
}

func fetchStatus(cmd *cobra.Command, addr string) (coordinator.Status, error) {
	url := fmt.Sprintf("http://%s/api/v1/status", addr)

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return coordinator.Status{}, err
	}

	client := &http.Client{Timeout: statusTimeout}

	resp, err := client.Do(req)
	if err != nil {
		return coordinator.Status{}, fmt.Errorf(`%w (is "bmw-data run" active?)`, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool               `json:"success"`
		Data    coordinator.Status `json:"data"`
		Error   string             `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return coordinator.Status{}, fmt.Errorf("decode status response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if envelope.Error != "" {
			return coordinator.Status{}, fmt.Errorf("daemon at %s: %s", addr, envelope.Error)
		}
		return coordinator.Status{}, fmt.Errorf("daemon at %s returned status %d", addr, resp.StatusCode)
	}

	return envelope.Data, nil
}

func printStatus(out io.Writer, st coordinator.Status) {
	token := "expired"
	if st.TokenValid {
		token = "valid"
	}

	lastPoll := "never"
	if st.LastPoll != nil {
		lastPoll = st.LastPoll.Local().Format("2006-01-02 15:04:05")
	}

	table := uitable.New()
	table.AddRow("TOKEN", token)
	table.AddRow("TOKEN EXPIRY", st.TokenExpiry.Local().Format("2006-01-02 15:04:05"))
	table.AddRow("REMAINING CALLS", fmt.Sprintf("%d", st.RemainingCalls))
	table.AddRow("STREAM", st.StreamState)
	table.AddRow("VEHICLES", fmt.Sprintf("%d", st.Vehicles))
	if st.ContainerID != "" {
		table.AddRow("CONTAINER", st.ContainerID)
	}
	table.AddRow("LAST POLL", lastPoll)
	if st.LastPollError != "" {
		table.AddRow("LAST POLL ERROR", st.LastPollError)
	}
	fmt.Fprintln(out, table)
}
