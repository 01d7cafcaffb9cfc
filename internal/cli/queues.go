package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/me/shardsched/pkg/model"
)

func newQueuesCmd(a *app) *cobra.Command {
	var (
		asJSON bool
		server string
	)
	cmd := &cobra.Command{
		Use:   "queues",
		Short: "Show ready, misfired, failover and running entries of a server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				server = a.cfg.Agent.Server
			}
			c := NewClient(server, a.logger)
			resp, err := c.Get(cmd.Context(), "/api/v1/queues")
			if err != nil {
				return fmt.Errorf("get queues: %w", err)
			}
			if asJSON {
				_, err := fmt.Fprintln(a.out, string(resp.Data))
				return err
			}
			var snap model.QueueSnapshot
			if err := json.Unmarshal(resp.Data, &snap); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			return printSnapshot(a.out, snap)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON snapshot")
	cmd.Flags().StringVar(&server, "server", "", "Scheduler server URL (default agent.server)")
	return cmd
}

// printSnapshot writes one row per queued job.
func printSnapshot(w io.Writer, snap model.QueueSnapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tJOB\tDETAIL")

	for _, name := range sortedKeys(snap.Ready) {
		fmt.Fprintf(tw, "ready\t%s\ttimes=%d\n", name, snap.Ready[name])
	}
	misfired := append([]string(nil), snap.Misfired...)
	sort.Strings(misfired)
	for _, name := range misfired {
		fmt.Fprintf(tw, "misfired\t%s\t\n", name)
	}
	for _, name := range sortedKeys(snap.Failover) {
		fmt.Fprintf(tw, "failover\t%s\tshards=%s\n", name, joinInts(snap.Failover[name]))
	}
	for _, name := range sortedKeys(snap.Running) {
		for _, tc := range snap.Running[name] {
			fmt.Fprintf(tw, "running\t%s\tshard=%d agent=%s reason=%s\n", name, tc.ShardIndex, tc.AgentID, tc.Reason)
		}
	}
	return tw.Flush()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, ",")
}
