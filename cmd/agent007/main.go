// agent007 runs a tool-calling agent inside isolated sandboxes and streams
// its progress to clients over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agent007",
	Short: "Sandboxed tool-calling agent service",
	Long: `agent007 runs a language-model agent that works inside an isolated Linux
sandbox. Each request is answered as a stream of events (status, thinking,
tool calls, tool results, files, messages) over server-sent events or
WebSocket. Sandboxes can be pre-warmed per user and are kept alive between
requests of the same conversation.`,
	RunE:          runServe, // Default to serve.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, queryCmd, warmCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
