package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	healthAddr    string
	healthJSON    bool
	healthTimeout time.Duration
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe a running indexerd's /healthz endpoint",
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().StringVar(&healthAddr, "addr", "http://127.0.0.1:9090", "indexerd operational http surface base address")
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "print the raw healthz JSON body")
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 5*time.Second, "request timeout")
}

type healthzSummary struct {
	Status    string                     `json:"status"`
	Uptime    string                     `json:"uptime"`
	Resources map[string]json.RawMessage `json:"resources"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: healthTimeout}
	resp, err := client.Get(healthAddr + "/healthz")
	if err != nil {
		return fmt.Errorf("fetch healthz: %w", err)
	}
	defer resp.Body.Close()

	if healthJSON {
		var raw json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return fmt.Errorf("decode healthz: %w", err)
		}
		pretty, err := json.MarshalIndent(raw, "", "  ")
		if err != nil {
			return fmt.Errorf("format healthz: %w", err)
		}
		fmt.Println(string(pretty))
		return nil
	}

	var summary healthzSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return fmt.Errorf("decode healthz: %w", err)
	}
	fmt.Printf("status: %s (uptime %s, http %d)\n", summary.Status, summary.Uptime, resp.StatusCode)
	for name := range summary.Resources {
		fmt.Printf("  resource: %s\n", name)
	}
	return nil
}
