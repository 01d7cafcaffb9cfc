// Package cli implements the shardsched command tree.
package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/me/shardsched/internal/config"
	"github.com/me/shardsched/internal/logging"
)

// app carries state shared by all subcommands.
type app struct {
	v       *viper.Viper
	cfgFile string
	debug   bool

	cfg    config.Config
	logger *slog.Logger
	out    io.Writer
}

// NewRootCmd creates the root cobra command for shardsched.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "shardsched",
		Short: "shardsched: sharded cron job scheduler",
		Long: "shardsched schedules sharded cron and daemon jobs onto agents, " +
			"relaunching failed shards and replaying misfired runs.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v, a.cfgFile)
			if err != nil {
				return err
			}
			if a.debug {
				cfg.Log.Level = "debug"
			}
			a.cfg = cfg
			a.logger = logging.New(cfg.Log)
			a.out = cmd.OutOrStdout()
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "Path to a YAML config file")
	pf.BoolVar(&a.debug, "debug", false, "Shorthand for --log-level=debug")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "text", "Log format (text, json)")
	a.bind("log.level", pf.Lookup("log-level"))
	a.bind("log.format", pf.Lookup("log-format"))

	root.AddCommand(
		newServeCmd(a),
		newAgentCmd(a),
		newQueuesCmd(a),
		newJobsCmd(a),
	)
	return root
}
