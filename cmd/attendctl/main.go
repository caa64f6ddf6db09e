package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/events"
	"rollcall/internal/logging"
	"rollcall/internal/notify"
	"rollcall/internal/queue"
	"rollcall/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "attendctl",
		Short:         "Operator utility for the rollcall attendance service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newIdentityTokenCommand())
	cmd.AddCommand(newIssueCodeCommand())
	cmd.AddCommand(newFinalizeCommand())
	cmd.AddCommand(newEventsCommand())
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate [up|down|status]",
		Short: "Apply, roll back or list database migrations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := config.Load(ctx)
			if err != nil {
				return err
			}
			db, err := store.NewDB(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			action := "up"
			if len(args) == 1 {
				action = args[0]
			}
			switch action {
			case "up":
				return db.Migrate(ctx)
			case "down":
				return db.Rollback(ctx)
			case "status":
				return db.MigrationStatus(ctx)
			default:
				return fmt.Errorf("unknown migrate action %q", action)
			}
		},
	}
	return cmd
}

func newIdentityTokenCommand() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "identity-token",
		Short: "Mint a bearer token for a student or professor (development)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(commandContext(cmd))
			if err != nil {
				return err
			}
			if role != auth.RoleStudent && role != auth.RoleProfessor {
				return fmt.Errorf("role must be %s or %s", auth.RoleStudent, auth.RoleProfessor)
			}
			if ttl == 0 {
				ttl = cfg.AccessTTL
			}
			tok, exp, err := auth.Issue(subject, role, cfg.JWTIssuer, cfg.JWTSigningKey, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Caller id placed in the sub claim")
	cmd.Flags().StringVar(&role, "role", auth.RoleStudent, "student or professor")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to ACCESS_TTL)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// engine builds a Service backed by Postgres for one-shot commands.
func engine(ctx context.Context) (*attendance.Service, func(), error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	log := logging.New(cfg.LogLevel, cfg.Production())
	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	redisClient, err := store.NewRedis(cfg.RedisAddr)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	var publisher attendance.EventPublisher = events.Nop{}
	var bus *events.Bus
	if cfg.NATSURL != "" {
		bus, err = events.New(cfg.NATSURL, "attendctl")
		if err != nil {
			log.Warn().Err(err).Msg("nats unavailable, events will not be published")
		} else {
			publisher = bus
		}
	}

	repo := attendance.NewRepository(db.Client)
	svc := attendance.NewService(repo, repo,
		notify.NewQueueNotifier(queue.NewRedisQueue(redisClient.Client, cfg.QueueKey, log)),
		attendance.WithPolicy(cfg.Policy()),
		attendance.WithEvents(publisher),
		attendance.WithLogger(log),
	)
	cleanup := func() {
		if bus != nil {
			bus.Close()
		}
		redisClient.Close()
		db.Close()
	}
	return svc, cleanup, nil
}

func newIssueCodeCommand() *cobra.Command {
	var sessionID, professorID string

	cmd := &cobra.Command{
		Use:   "issue-code",
		Short: "Generate a fresh attendance code for a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			svc, cleanup, err := engine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			issued, err := svc.IssueSessionCode(ctx, sessionID, professorID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), issued)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session id")
	cmd.Flags().StringVar(&professorID, "professor", "", "Professor id issuing the code")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("professor")
	return cmd
}

func newFinalizeCommand() *cobra.Command {
	var sessionID, professorID string

	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "Mark every unconfirmed student of a session absent",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			svc, cleanup, err := engine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := svc.FinalizeSession(ctx, professorID, sessionID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"session_id": sessionID, "marked_absent": n})
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session id")
	cmd.Flags().StringVar(&professorID, "professor", "", "Professor id closing the session")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("professor")
	return cmd
}

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect attendance domain events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newEventsTailCommand())
	return cmd
}

func newEventsTailCommand() *cobra.Command {
	var subject string

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print attendance events as they are published",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := config.Load(ctx)
			if err != nil {
				return err
			}
			if cfg.NATSURL == "" {
				return fmt.Errorf("NATS_URL is not set")
			}
			bus, err := events.New(cfg.NATSURL, "attendctl-tail")
			if err != nil {
				return err
			}
			defer bus.Close()

			out := cmd.OutOrStdout()
			durable := "attendctl-tail-" + strconv.FormatInt(time.Now().UnixNano(), 10)
			sub, err := bus.Subscribe(ctx, subject, durable, func(_ context.Context, subj string, data []byte) error {
				_, err := fmt.Fprintf(out, "%s %s\n", subj, data)
				return err
			})
			if err != nil {
				return err
			}
			defer sub.Close()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", events.StreamSubject, "Subject filter")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
