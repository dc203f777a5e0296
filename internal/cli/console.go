package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/replbridge/replbridge/internal/kernel"
)

var consoleDevice string

var (
	// promptStyle for the input prompt
	promptStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("81"))

	// continuationStyle for continuation-line prompts
	continuationStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))

	// stderrStyle for board tracebacks and error output
	stderrStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	// bannerStyle for the connect banner
	bannerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("81")).
			Padding(0, 1)

	// dimStyle for muted metadata text
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive console against the board REPL",
	Long: `Opens an interactive console on the board. Each entered block is
uploaded to the raw REPL and its output streamed back. A line ending in
a colon starts a multi-line block; finish the block with an empty line.

Magic commands work the same as in a notebook:
  %softreset        soft-reboot the board, then reconnect
  %upload_delay N   set the per-line upload delay to N seconds

Exit with Ctrl-D or by typing "exit".`,
	RunE: runConsole,
}

func init() {
	consoleCmd.Flags().StringVar(&consoleDevice, "device", "", "serial device path (overrides config)")

	rootCmd.AddCommand(consoleCmd)
}

// consoleSink prints streamed board output as it arrives.
type consoleSink struct {
	out io.Writer
	err io.Writer
}

func (s *consoleSink) Stdout(text string) {
	fmt.Fprint(s.out, strings.ReplaceAll(text, "\r\n", "\n"))
}

func (s *consoleSink) Stderr(text string) {
	fmt.Fprint(s.err, stderrStyle.Render(strings.ReplaceAll(text, "\r\n", "\n")))
}

func runConsole(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if consoleDevice != "" {
		cfg.Board.Device = consoleDevice
	}

	device, err := resolveDevice(cfg)
	if err != nil {
		return err
	}
	cfg.Board.Device = device

	k, session, err := newKernel(cfg)
	if err != nil {
		return err
	}
	defer session.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	banner := fmt.Sprintf("%s\n%s %s",
		"replbridge console",
		dimStyle.Render("Device:"), device,
	)
	fmt.Println(bannerStyle.Render(banner))
	fmt.Println(dimStyle.Render("Ctrl-D or \"exit\" to quit."))

	return consoleLoop(ctx, k, os.Stdin, os.Stdout, os.Stderr)
}

// consoleLoop reads blocks from in and executes them until EOF.
func consoleLoop(ctx context.Context, k *kernel.Kernel, in io.Reader, out, errOut io.Writer) error {
	scanner := bufio.NewScanner(in)
	sink := &consoleSink{out: out, err: errOut}

	for {
		if ctx.Err() != nil {
			return nil
		}

		block, ok := readBlock(scanner, out)
		if !ok {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		if strings.TrimSpace(block) == "exit" {
			return nil
		}

		result := k.Execute(ctx, block, false, sink)
		if result.Status != kernel.StatusOK {
			fmt.Fprintln(errOut, stderrStyle.Render("execution failed"))
		}
	}
}

// readBlock collects one input block: a single line, or when the line
// opens a suite (ends in a colon), further lines until an empty one.
func readBlock(scanner *bufio.Scanner, out io.Writer) (string, bool) {
	fmt.Fprint(out, promptStyle.Render(">>> ")+" ")
	if !scanner.Scan() {
		return "", false
	}
	first := scanner.Text()
	if !strings.HasSuffix(strings.TrimRight(first, " \t"), ":") {
		return first, true
	}

	lines := []string{first}
	for {
		fmt.Fprint(out, continuationStyle.Render("... ")+" ")
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			break
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), true
}
