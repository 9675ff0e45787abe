package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tabsync/internal/config"
	"github.com/roach88/tabsync/internal/ledger"
	"github.com/roach88/tabsync/internal/store"
	"github.com/roach88/tabsync/internal/telemetry"
)

// openStore opens the configured database. A missing file is a command
// error rather than a silently created empty database.
func openStore(cfg config.Config) (*store.Store, error) {
	if _, err := os.Stat(cfg.StorePath); err != nil {
		return nil, fmt.Errorf("database %s: %w", cfg.StorePath, err)
	}
	return store.Open(cfg.StorePath)
}

// LedgerEntry is one durable authority record.
type LedgerEntry struct {
	EventID        string    `json:"event_id"`
	Type           string    `json:"type"`
	Domain         string    `json:"domain,omitempty"`
	ProcessedAt    time.Time `json:"processed_at"`
	OriginClientID string    `json:"origin_client_id,omitempty"`
	Keys           []string  `json:"keys,omitempty"`
}

// LedgerListing is the result of `ledger list`.
type LedgerListing struct {
	Total   int           `json:"total"`
	Entries []LedgerEntry `json:"entries"`
}

func (l LedgerListing) RenderText(w io.Writer) {
	fmt.Fprintf(w, "%d record(s), showing %d\n", l.Total, len(l.Entries))
	for _, e := range l.Entries {
		fmt.Fprintf(w, "%s  %-16s %s", e.ProcessedAt.UTC().Format(time.RFC3339), e.Type, e.EventID)
		if len(e.Keys) > 0 {
			fmt.Fprintf(w, "  [%s]", strings.Join(e.Keys, ", "))
		}
		fmt.Fprintln(w)
	}
}

// SweepResult is the result of `ledger sweep`.
type SweepResult struct {
	Cutoff  time.Time `json:"cutoff"`
	Removed int64     `json:"removed"`
}

func (r SweepResult) String() string {
	return fmt.Sprintf("removed %d record(s) processed before %s", r.Removed, r.Cutoff.UTC().Format(time.RFC3339))
}

// NewLedgerCommand creates the ledger command group.
func NewLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and sweep the event authority",
	}
	cmd.AddCommand(newLedgerListCommand(rootOpts))
	cmd.AddCommand(newLedgerSweepCommand(rootOpts))
	return cmd
}

func newLedgerListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		limit int
		since time.Duration
	)

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List recorded events, newest last",
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

			var cutoff time.Time
			if since > 0 {
				cutoff = time.Now().Add(-since)
			}

			ctx := cmd.Context()
			total, err := s.CountAuthority(ctx)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeStore, "cannot count records", err)
			}
			rows, err := s.LoadAuthority(ctx, cutoff, limit)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeStore, "cannot load records", err)
			}
			f.VerboseLog("Loaded %d of %d record(s) from %s", len(rows), total, cfg.StorePath)

			listing := LedgerListing{Total: total, Entries: make([]LedgerEntry, 0, len(rows))}
			for _, r := range rows {
				listing.Entries = append(listing.Entries, LedgerEntry{
					EventID:        r.EventID,
					Type:           r.Type,
					Domain:         r.Domain,
					ProcessedAt:    r.ProcessedAt,
					OriginClientID: r.OriginClientID,
					Keys:           r.Keys,
				})
			}
			return f.Success(listing)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum records to show (0 for all)")
	cmd.Flags().DurationVar(&since, "since", 0, "only records processed within this window")
	return cmd
}

func newLedgerSweepCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove records older than the ledger TTL",
		Long: `Remove authority records older than the configured ledger TTL.

Runs the same sweep a live client runs periodically. Safe while clients are
running: they only ever read records they have not yet evicted.`,
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

			logger := newLogger(rootOpts, f.GetErrWriter())
			hub := telemetry.NewHub(telemetry.Options{Dev: rootOpts.Verbose, Logger: logger})
			l, err := ledger.New(ledger.Config{
				Capacity: cfg.Ledger.Capacity,
				TTL:      cfg.Ledger.TTL,
			}, ledger.WithPersister(s), ledger.WithHub(hub), ledger.WithLogger(logger))
			if err != nil {
				return f.Fail(ExitFailure, ErrCodeGeneric, "cannot create ledger", err)
			}

			ctx := cmd.Context()
			now := time.Now()
			_, removed := l.Sweep(ctx)
			return f.Success(SweepResult{Cutoff: now.Add(-cfg.Ledger.TTL), Removed: removed})
		},
	}
	return cmd
}
