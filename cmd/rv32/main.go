// Command rv32 runs, assembles and inspects RV32I programs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rvexec/internal/logging"
)

type cli struct {
	logLevel  string
	logFormat string
	logger    *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{logger: zap.NewNop()}
	root := &cobra.Command{
		Use:   "rv32",
		Short: "RV32I emulator and assembler",
		Long: `rv32 runs RV32I programs in an emulator with a flat memory and a small
syscall surface (exit 93, write 64, out 0x7FF).

Programs are read by extension: .s/.asm are assembled, .txt is parsed as a
text listing and anything else is loaded as a raw little-endian binary.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(c.logLevel, c.logFormat)
			if err != nil {
				return err
			}
			c.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = c.logger.Sync()
		},
	}
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&c.logFormat, "log-format", logging.FormatConsole, "log format (console, json)")

	root.AddCommand(
		c.runCmd(),
		c.asmCmd(),
		c.convCmd(),
		c.disasmCmd(),
		c.fixtureCmd(),
		c.resultsCmd(),
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
