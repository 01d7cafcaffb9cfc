package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/shardsched/internal/jobconfig"
	"github.com/me/shardsched/internal/producer"
	"github.com/me/shardsched/pkg/model"
)

func newJobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Work with job definition files",
	}
	cmd.AddCommand(newJobsValidateCmd(a))
	return cmd
}

func newJobsValidateCmd(a *app) *cobra.Command {
	var pattern string
	cmd := &cobra.Command{
		Use:   "validate [dir]",
		Short: "Parse and validate job files without contacting a server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := a.cfg.Jobs.Dir
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				return errors.New("no job directory given (argument or jobs.dir)")
			}
			if pattern == "" {
				pattern = a.cfg.Jobs.Pattern
			}

			jobs, err := jobconfig.LoadDir(dir, pattern)
			if err != nil {
				return err
			}
			var errs []error
			for _, job := range jobs {
				if job.ExecutionType != model.ExecutionTransient {
					continue
				}
				if err := producer.ValidateCron(job.Cron); err != nil {
					errs = append(errs, fmt.Errorf("job %s: %w", job.Name, err))
				}
			}
			if err := errors.Join(errs...); err != nil {
				return err
			}

			for _, job := range jobs {
				schedule := job.Cron
				if job.IsDaemon() {
					schedule = "daemon"
				}
				fmt.Fprintf(a.out, "ok  %-24s shards=%-3d %s\n", job.Name, job.ShardCount, schedule)
			}
			fmt.Fprintf(a.out, "%d job(s) valid\n", len(jobs))
			return nil
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", "", "Glob of job files relative to dir (default jobs.pattern)")
	return cmd
}
