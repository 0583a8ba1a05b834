package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/apexphere/synckairos/cmd/synckairosd/commands"
)

var rootCmd = &cobra.Command{
	Use:   "synckairosd",
	Short: "SyncKairos - distributed synchronization for timed multi-participant sessions",
	Long: `SyncKairos coordinates chess-clock-style timed rotation across
participants connected from any number of stateless instances. Session
state lives in Redis behind an optimistic-concurrency engine; every
transition is mirrored to a durable audit log and fanned out to
connected WebSocket clients in real time.

Available commands:
  server  - Start the HTTP/WebSocket server
  version - Print version information`,
}

func init() {
	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
