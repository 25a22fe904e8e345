package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// serviceURL returns the --url flag, API_URL or the local service port, in that order.
func serviceURL(cmd *cobra.Command) string {
	if url, _ := cmd.Flags().GetString("url"); url != "" {
		return url
	}
	if url := os.Getenv("API_URL"); url != "" {
		return url
	}
	// Use 127.0.0.1 instead of localhost to avoid IPv6 resolution issues
	return "http://127.0.0.1:8080"
}

func makeRequest(apiURL, method, path string) (map[string]interface{}, error) {
	url := fmt.Sprintf("%s%s", apiURL, path)
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to API at %s: %w", apiURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("HTTP %d: unexpected response %q", resp.StatusCode, string(body))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		for _, key := range []string{"error", "detail"} {
			if msg, ok := result[key].(string); ok {
				return nil, fmt.Errorf("HTTP error: %s - %s", resp.Status, msg)
			}
		}
		return nil, fmt.Errorf("HTTP error: %s - %s", resp.Status, string(body))
	}

	return result, nil
}

// NewTriggerCommand creates and returns the trigger subcommand
func NewTriggerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Ask a running schedule service to prune now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := makeRequest(serviceURL(cmd), http.MethodPost, "/run")
			if err != nil {
				return err
			}
			if message, ok := data["message"].(string); ok {
				fmt.Fprintln(cmd.OutOrStdout(), message)
				return nil
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
		SilenceUsage: true,
	}

	cmd.Flags().String("url", "", "service URL (default $API_URL or http://127.0.0.1:8080)")
	return cmd
}

func printJSON(out io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}
