package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/replbridge/replbridge/internal/serial"
)

var detectRegistry string

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "List candidate board serial devices",
	Long: `Scans the system for serial devices that match a known board profile
and prints each device path with the board family it looks like.

Profiles come from the built-in registry, or from a TOML registry file
given with --registry or the board.registry config key.`,
	RunE: runDetect,
}

func init() {
	detectCmd.Flags().StringVar(&detectRegistry, "registry", "", "board profile registry file (overrides config)")

	rootCmd.AddCommand(detectCmd)
}

func runDetect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	registry := cfg.Board.Registry
	if detectRegistry != "" {
		registry = detectRegistry
	}

	profiles, err := serial.LoadProfiles(registry)
	if err != nil {
		return err
	}
	candidates, err := serial.Detect(profiles)
	if err != nil {
		return err
	}

	if len(candidates) == 0 {
		fmt.Println("No boards found.")
		return nil
	}

	for _, c := range candidates {
		fmt.Printf("%s  %s\n", c.Device, dimStyle.Render(c.Board))
	}
	return nil
}
