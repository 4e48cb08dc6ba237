package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/ophthalmocapture/pkg/audit"
	"github.com/aixgo-dev/ophthalmocapture/pkg/config"
)

func newAuditCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail of past sessions",
	}

	var asJSON bool
	withSink := func(run func(ctx context.Context, sink audit.Sink, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			sink, err := audit.Open(ctx, cfg.Audit, newLogger())
			if err != nil {
				return err
			}
			defer sink.Close()
			return run(ctx, sink, cmd.OutOrStdout(), args)
		}
	}

	sessions := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions with recorded facts",
		Args:  cobra.NoArgs,
		RunE:  withSink(listSessions),
	}
	query := &cobra.Command{
		Use:   "query <session-id>",
		Short: "Print every record of a session in append order",
		Args:  cobra.ExactArgs(1),
		RunE: withSink(func(ctx context.Context, sink audit.Sink, out io.Writer, args []string) error {
			return queryRecords(ctx, sink, out, args[0], asJSON)
		}),
	}
	query.Flags().BoolVar(&asJSON, "json", false, "print records as JSON lines")
	stats := &cobra.Command{
		Use:   "stats <session-id>",
		Short: "Summarize a session's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: withSink(func(ctx context.Context, sink audit.Sink, out io.Writer, args []string) error {
			return printStats(ctx, sink, out, args[0])
		}),
	}

	cmd.AddCommand(sessions, query, stats)
	return cmd
}

func listSessions(ctx context.Context, sink audit.Sink, out io.Writer, _ []string) error {
	lister, ok := sink.(audit.SessionLister)
	if !ok {
		return audit.ErrQueryUnsupported
	}
	ids, err := lister.Sessions(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}
	return nil
}

func queryRecords(ctx context.Context, sink audit.Sink, out io.Writer, sessionID string, asJSON bool) error {
	records, err := sink.Query(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no records for session %s", sessionID)
	}

	if asJSON {
		enc := json.NewEncoder(out)
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tACTOR\tITEM\tSUMMARY")
	for _, r := range records {
		item := r.ItemID
		if item == "" {
			item = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Timestamp.Format(time.RFC3339), r.Action, r.Actor, shortID(item), r.Summary)
	}
	return tw.Flush()
}

func printStats(ctx context.Context, sink audit.Sink, out io.Writer, sessionID string) error {
	st, err := audit.SessionStats(ctx, sink, sessionID)
	if err != nil {
		return err
	}
	if st.Records == 0 {
		return fmt.Errorf("no records for session %s", sessionID)
	}

	fmt.Fprintf(out, "session:  %s\n", st.SessionID)
	fmt.Fprintf(out, "records:  %d\n", st.Records)
	fmt.Fprintf(out, "items:    %d\n", st.Items)
	fmt.Fprintf(out, "span:     %s .. %s\n", st.FirstAt.Format(time.RFC3339), st.LastAt.Format(time.RFC3339))
	closed := "open"
	if st.Closed {
		closed = string(st.ClosedBy)
	}
	fmt.Fprintf(out, "state:    %s\n", closed)
	fmt.Fprintf(out, "actors:   %v\n", st.Actors)

	labels := make([]string, 0, len(st.Labels))
	for l := range st.Labels {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	for _, l := range labels {
		fmt.Fprintf(out, "label %-12s %d\n", l, st.Labels[l])
	}

	actions := make([]string, 0, len(st.ByAction))
	for a := range st.ByAction {
		actions = append(actions, string(a))
	}
	sort.Strings(actions)
	for _, a := range actions {
		fmt.Fprintf(out, "action %-16s %d\n", a, st.ByAction[audit.Action(a)])
	}
	return nil
}
