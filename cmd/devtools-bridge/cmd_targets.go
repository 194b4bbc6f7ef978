package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aivorynet/devtools-bridge/pkg/transport"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List the page targets of the endpoint",
	Args:  cobra.NoArgs,
	RunE:  listTargets,
}

func listTargets(cmd *cobra.Command, args []string) error {
	u, err := transport.ResolveEndpoint(config.Endpoint)
	if err != nil {
		return err
	}
	conn, err := transport.Dial(cmd.Context(), u,
		transport.WithLogger(logger),
		transport.WithCallTimeout(config.CallTimeout))
	if err != nil {
		return err
	}
	defer conn.Close()

	targets, err := transport.Targets(cmd.Context(), conn)
	if err != nil {
		return err
	}
	logger.Debug("Listed targets", zap.Int("count", len(targets)))

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tURL\tTITLE")
	for _, t := range targets {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.URL, t.Title)
	}
	return w.Flush()
}
