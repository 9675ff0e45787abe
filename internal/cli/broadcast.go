package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/roach88/tabsync/internal/broadcast"
	"github.com/roach88/tabsync/internal/config"
	"github.com/roach88/tabsync/internal/telemetry"
)

// tailLine is one received message in text form.
type tailLine broadcast.Message

func (m tailLine) RenderText(w io.Writer) {
	fmt.Fprintf(w, "%s %s from %s: %s\n", m.SentAt.UTC().Format(time.RFC3339Nano), m.Topic, m.Origin, m.Body)
}

// NewBroadcastCommand creates the broadcast command group.
func NewBroadcastCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Observe the cross-process broadcast medium",
	}
	cmd.AddCommand(newBroadcastTailCommand(rootOpts))
	return cmd
}

func newBroadcastTailCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		duration time.Duration
		count    int
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print messages published by client processes",
		Long: `Subscribe to the configured dir or redis medium and print every message
published by client processes until interrupted, --duration elapses or
--count messages were received.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)

			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeConfig, "cannot load config", err)
			}

			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			medium, closeMedium, err := openTailMedium(ctx, cfg, newLogger(rootOpts, f.GetErrWriter()))
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeBroadcast, "cannot open broadcast medium", err)
			}
			defer closeMedium()

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			// Handlers run on the medium's goroutine; serialize output.
			var mu sync.Mutex
			received := 0
			unsubscribe := medium.Subscribe(func(msg broadcast.Message) {
				mu.Lock()
				defer mu.Unlock()
				if ctx.Err() != nil {
					return
				}
				if rootOpts.Format == "json" {
					json.NewEncoder(f.Writer).Encode(msg)
				} else {
					tailLine(msg).RenderText(f.Writer)
				}
				received++
				if count > 0 && received >= count {
					cancel()
				}
			})
			defer unsubscribe()

			f.VerboseLog("Tailing %s medium", cfg.Broadcast.Driver)
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().IntVar(&count, "count", 0, "stop after this many messages (0 for no limit)")
	return cmd
}

// openTailMedium opens the configured medium under a fresh origin, so every
// client process counts as a peer.
func openTailMedium(ctx context.Context, cfg config.Config, logger *slog.Logger) (broadcast.Medium, func(), error) {
	origin := "tail-" + telemetry.NewID()

	switch cfg.Broadcast.Driver {
	case config.DriverDir:
		m, err := broadcast.NewDirMedium(cfg.Broadcast.Dir, origin, broadcast.DirOptions{
			Retention: cfg.Broadcast.Retention,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return m, func() { m.Close() }, nil
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Broadcast.RedisAddr})
		m, err := broadcast.NewRedisMedium(ctx, client, broadcast.ChannelFor(cfg.ClientID), origin, logger)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return m, func() {
			m.Close()
			client.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("driver %q is process-local", cfg.Broadcast.Driver)
	}
}
