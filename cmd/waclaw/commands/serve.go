package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jbhatt/waclaw/pkg/waclaw/orchestrator"
)

// newServeCmd creates the `waclaw serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the router daemon",
		Long: `Start waclaw as a daemon: connect the WhatsApp session, run the
message intake loop, the IPC broker, and the task scheduler.

On first run a QR code is printed for linking the WhatsApp account.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	logger := newLogger(cmd, cfg)

	orch, err := orchestrator.New(cfg, logger)
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("waclaw starting", "assistant", cfg.AssistantName)

	if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("waclaw stopped")
	return nil
}
