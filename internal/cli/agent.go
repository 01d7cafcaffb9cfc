package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/me/shardsched/internal/agent"
	"github.com/me/shardsched/internal/executor"
)

func newAgentCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a worker node that executes shards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := a.cfg.Agent
			runner := executor.NewCommandRunner(c.WorkDir, a.logger)
			ag := agent.New(agent.Config{
				ServerURL: c.Server,
				Hostname:  c.Hostname,
				CPU:       c.CPU,
				MemoryMB:  c.MemoryMB,
				Poll:      c.PollInterval,
			}, runner, a.logger)
			return ag.Run(ctx)
		},
	}
	f := cmd.Flags()
	f.String("server", "http://localhost:8080", "Scheduler server URL")
	f.String("hostname", "", "Hostname to advertise (default: os hostname)")
	f.Float64("cpu", 1, "CPUs offered to the scheduler")
	f.Float64("memory-mb", 1024, "Memory offered to the scheduler, in MB")
	f.String("work-dir", "", "Directory for task working directories")
	a.bind("agent.server", f.Lookup("server"))
	a.bind("agent.hostname", f.Lookup("hostname"))
	a.bind("agent.cpu", f.Lookup("cpu"))
	a.bind("agent.memory_mb", f.Lookup("memory-mb"))
	a.bind("agent.work_dir", f.Lookup("work-dir"))
	return cmd
}
