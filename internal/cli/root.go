package cli

import (
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "replbridge",
	Short: "Notebook kernel bridge for MicroPython and CircuitPython boards",
	Long: `Replbridge drives the raw REPL of a serial-attached microcontroller
board. It uploads code blocks over the wire, streams the board's output
back as it is produced, and exposes the whole exchange to notebook
front ends over a websocket kernel protocol.`,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("replbridge version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "replbridge.yaml", "path to config file")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
