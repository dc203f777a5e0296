package cli

import (
	"fmt"

	"github.com/replbridge/replbridge/internal/board"
	"github.com/replbridge/replbridge/internal/config"
	"github.com/replbridge/replbridge/internal/kernel"
	"github.com/replbridge/replbridge/internal/logging"
	"github.com/replbridge/replbridge/internal/repl"
	"github.com/replbridge/replbridge/internal/serial"
)

// loadConfig loads the config file and applies the configured log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// resolveDevice returns the serial device to use: the configured path,
// or the first auto-detected candidate when none is configured.
func resolveDevice(cfg *config.Config) (string, error) {
	if cfg.Board.Device != "" {
		return cfg.Board.Device, nil
	}

	profiles, err := serial.LoadProfiles(cfg.Board.Registry)
	if err != nil {
		return "", err
	}
	candidates, err := serial.Detect(profiles)
	if err != nil {
		return "", fmt.Errorf("device auto-detection failed: %w", err)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no board found; set board.device in the config")
	}
	return candidates[0].Device, nil
}

// newKernel builds the kernel stack over a lazily opened serial port.
// The port is not touched until the first request that needs the board.
func newKernel(cfg *config.Config) (*kernel.Kernel, *board.Session, error) {
	device, err := resolveDevice(cfg)
	if err != nil {
		return nil, nil, err
	}

	session := board.NewSession(board.Options{
		Opener: func() (board.Transport, error) {
			return serial.Open(serial.Config{
				Device:      device,
				BaudRate:    cfg.Board.BaudRate,
				ReadTimeout: cfg.Board.ReadTimeout(),
			})
		},
	})
	driver := repl.New(repl.Options{
		Session:     session,
		UploadDelay: cfg.Board.UploadDelay(),
	})
	k := kernel.New(kernel.Options{Session: session, Driver: driver})
	return k, session, nil
}
