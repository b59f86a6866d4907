package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "pocket",
	Short: "Pocket - disposable sandboxed shells",
	Long: `Pocket provisions isolated, resource-capped containers on demand and
exposes each one's terminal over a websocket.

Run "pocket serve" on a host with Docker, then "pocket attach" from anywhere
that can reach it.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: pocket.yaml in ., ~/.pocket, /etc/pocket)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
