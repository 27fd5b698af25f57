// Command topicctl is the operator CLI for the Durable Topic Engine: publish
// a test message onto a run's batch topic, inspect consumer-group backlog,
// or probe a running indexerd's operational health endpoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "topicctl",
	Short: "Inspect and drive the topic engine out-of-band",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
