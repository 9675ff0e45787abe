package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tabsync/internal/reconcile"
)

// ReactionEntry is one persisted reaction.
type ReactionEntry struct {
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	Kind      string    `json:"kind"`
	Priority  string    `json:"priority"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	Reason    string    `json:"reason,omitempty"`
	FailedAt  time.Time `json:"failed_at,omitempty"`
}

// ReactionListing is the result of `reactions list`.
type ReactionListing struct {
	Pending     []ReactionEntry `json:"pending"`
	DeadLetters []ReactionEntry `json:"dead_letters"`
	Skipped     int             `json:"skipped,omitempty"`
}

func (l ReactionListing) RenderText(w io.Writer) {
	fmt.Fprintf(w, "pending: %d\n", len(l.Pending))
	for _, e := range l.Pending {
		fmt.Fprintf(w, "  %-8s %-12s %-16s %s (attempts %d)\n", e.Priority, e.Kind, e.Type, e.EventID, e.Attempts)
	}
	fmt.Fprintf(w, "dead letters: %d\n", len(l.DeadLetters))
	for _, e := range l.DeadLetters {
		fmt.Fprintf(w, "  %-12s %-16s %s (%s at %s)\n", e.Kind, e.Type, e.EventID, e.Reason, e.FailedAt.UTC().Format(time.RFC3339))
	}
	if l.Skipped > 0 {
		fmt.Fprintf(w, "skipped %d undecodable row(s)\n", l.Skipped)
	}
}

func toEntry(re reconcile.Reaction) ReactionEntry {
	return ReactionEntry{
		EventID:   re.EventID,
		Type:      re.Type,
		Kind:      string(re.Kind),
		Priority:  re.Priority.String(),
		Attempts:  re.Attempts,
		CreatedAt: re.CreatedAt,
	}
}

// NewReactionsCommand creates the reactions command group.
func NewReactionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reactions",
		Short: "Inspect persisted reconciler state",
	}
	cmd.AddCommand(newReactionsListCommand(rootOpts))
	return cmd
}

func newReactionsListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List pending reactions and dead letters saved at the last shutdown",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)

			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeConfig, "cannot load config", err)
			}
			s, err := openStore(cfg)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeStore, "cannot open database", err)
			}
			defer s.Close()

			ctx := cmd.Context()
			pending, err := s.LoadPendingReactions(ctx, time.Time{})
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeStore, "cannot load pending reactions", err)
			}
			dead, err := s.LoadDeadLetters(ctx)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeStore, "cannot load dead letters", err)
			}

			listing := ReactionListing{
				Pending:     make([]ReactionEntry, 0, len(pending)),
				DeadLetters: make([]ReactionEntry, 0, len(dead)),
			}
			for _, row := range pending {
				var re reconcile.Reaction
				if err := json.Unmarshal(row.Body, &re); err != nil {
					f.VerboseLog("Skipping pending reaction %s: %v", row.EventID, err)
					listing.Skipped++
					continue
				}
				listing.Pending = append(listing.Pending, toEntry(re))
			}
			for _, row := range dead {
				var re reconcile.Reaction
				if err := json.Unmarshal(row.Body, &re); err != nil {
					f.VerboseLog("Skipping dead letter %s: %v", row.EventID, err)
					listing.Skipped++
					continue
				}
				e := toEntry(re)
				e.Reason = row.Reason
				e.FailedAt = row.FailedAt
				listing.DeadLetters = append(listing.DeadLetters, e)
			}
			return f.Success(listing)
		},
	}
}
