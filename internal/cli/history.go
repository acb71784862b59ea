package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/policysync/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database  string
	Target    string
	RequestID string
	Limit     int
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled replication transitions",
		Long: `Show the state transitions recorded in a replication journal.

Transitions are listed in sequence order and can be narrowed to one target
node or one request.

Examples:
  policysync history --db /var/lib/policysync/journal.db
  policysync history --db ./journal.db --target edge-1 --limit 20
  policysync history --db ./journal.db --request 0192d6c4-... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Target, "target", "", "only show transitions for this target node")
	cmd.Flags().StringVar(&opts.RequestID, "request", "", "only show transitions for this request")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of transitions (0 for all)")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer st.Close()

	ts, err := st.ListTransitions(cmd.Context(), store.Filter{
		Target:    opts.Target,
		RequestID: opts.RequestID,
		Limit:     opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}
	formatter.VerboseLog("Read %d transition(s) from %s", len(ts), opts.Database)

	return formatter.Success(ts, func(w io.Writer) {
		if len(ts) == 0 {
			fmt.Fprintln(w, "No transitions recorded.")
			return
		}
		rows := make([][]string, 0, len(ts))
		for _, t := range ts {
			rows = append(rows, []string{
				fmt.Sprint(t.Seq),
				t.At.UTC().Format(time.RFC3339),
				t.RequestID,
				t.Target + "/" + t.Artifact,
				t.State,
				t.Detail,
			})
		}
		table(w, []string{"SEQ", "AT", "REQUEST", "KEY", "STATE", "DETAIL"}, rows)
	})
}
