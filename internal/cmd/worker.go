package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harrison/testfleet/internal/ipc"
	"github.com/harrison/testfleet/internal/loader"
	"github.com/harrison/testfleet/internal/logger"
	"github.com/harrison/testfleet/internal/worker"
)

// NewWorkerCommand creates the hidden command worker processes run. It
// speaks the dispatcher protocol over the descriptors it was started with.
func NewWorkerCommand(registry *loader.Registry) *cobra.Command {
	cmd := &cobra.Command{
		Use:    ipc.WorkerCommand,
		Short:  "Run as a worker process (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, closer, err := ipc.OpenWorkerPeer()
			if err != nil {
				return fmt.Errorf("worker: %w", err)
			}
			defer closer.Close()

			// The dispatcher decides when workers stop; a terminal Ctrl-C
			// reaches the whole process group.
			signal.Ignore(os.Interrupt)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()

			level, _ := cmd.Flags().GetString("log-level")
			log := logger.NewConsoleLogger(cmd.ErrOrStderr(), level)
			log.Debugf("Worker %d started (pid %d)", ipc.WorkerIndexFromEnv(), os.Getpid())
			return worker.New(registry, log).Serve(ctx, peer)
		},
	}
	cmd.Flags().String("log-level", "warn", "Log level of the worker")
	return cmd
}
