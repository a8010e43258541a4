package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

const defaultServerURL = "http://127.0.0.1:3100"

func buildStatusCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show operational status of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status struct {
				Status             string `json:"status"`
				Mode               string `json:"mode"`
				Provider           string `json:"provider"`
				ConnectedAgents    int    `json:"connected_agents"`
				ActiveCalls        int    `json:"active_calls"`
				PendingDeadLetters int    `json:"pending_dead_letters"`
				UptimeSeconds      int    `json:"uptime_seconds"`
			}
			if err := getJSON(serverURL+"/v1/status", &status); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status:            %s\n", status.Status)
			fmt.Fprintf(out, "Answering mode:    %s\n", status.Mode)
			fmt.Fprintf(out, "Provider:          %s\n", status.Provider)
			fmt.Fprintf(out, "Connected agents:  %d\n", status.ConnectedAgents)
			fmt.Fprintf(out, "Active calls:      %d\n", status.ActiveCalls)
			fmt.Fprintf(out, "Pending messages:  %d\n", status.PendingDeadLetters)
			fmt.Fprintf(out, "Uptime:            %s\n", (time.Duration(status.UptimeSeconds) * time.Second).String())
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", defaultServerURL, "Base URL of the running server")
	return cmd
}

func buildDeadLettersCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Show pending caller messages per agent",
		Long: `Shows how many caller messages are waiting for each configured agent.
Messages are delivered automatically when an agent reconnects; this command
never marks anything delivered.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload struct {
				Agents []struct {
					AgentID string `json:"agent_id"`
					Pending int    `json:"pending"`
				} `json:"agents"`
			}
			if err := getJSON(serverURL+"/v1/deadletters", &payload); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(payload.Agents) == 0 {
				fmt.Fprintln(out, "No agents configured.")
				return nil
			}
			for _, agent := range payload.Agents {
				fmt.Fprintf(out, "%-24s %d pending\n", agent.AgentID, agent.Pending)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", defaultServerURL, "Base URL of the running server")
	return cmd
}

func getJSON(url string, target any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %s: %s", resp.Status, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(target)
}
