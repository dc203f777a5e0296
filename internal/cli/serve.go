package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/replbridge/replbridge/internal/server"
)

var (
	servePort   int
	serveDevice string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kernel message server",
	Long: `Serves the kernel protocol over a websocket at /kernel. Notebook
front ends connect and exchange execute, complete and shutdown messages;
board output comes back as stream events while code is still running.

The board connection is opened lazily on the first request that needs it.

Example:
  replbridge serve
  replbridge serve --port 9300
  replbridge serve --device /dev/ttyACM0`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
	serveCmd.Flags().StringVar(&serveDevice, "device", "", "serial device path (overrides config)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveDevice != "" {
		cfg.Board.Device = serveDevice
	}

	k, session, err := newKernel(cfg)
	if err != nil {
		return err
	}
	defer session.Close()

	srv, err := server.NewServer(server.Options{
		Config: cfg.Server,
		Kernel: k,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("Kernel server listening on port %d\n", srv.Port())
	if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
