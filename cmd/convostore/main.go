// Command convostore is a small operational CLI over the session store:
// create, inspect, list, and delete sessions, and append events, against
// any configured backend.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/convostore/convostore/pkg/observability"
	"github.com/convostore/convostore/pkg/session"
	sessionfirestore "github.com/convostore/convostore/pkg/session/firestore"
)

var version = "dev"

type rootOptions struct {
	ConfigFile string
	Verbose    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "convostore",
		Short:         "Session store for conversational agents",
		Long:          "Manage agent sessions, their scoped state, and their event logs\nacross the configured storage backend.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", envOr("CONVOSTORE_CONFIG", ""), "store configuration file (YAML)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(newCreateCommand(opts))
	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newDeleteCommand(opts))
	cmd.AddCommand(newAppendCommand(opts))
	cmd.AddCommand(newServeCommand(opts))

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadConfig(path string) (session.Config, error) {
	cfg := session.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// openService builds a Service from the config file. The firestore store
// needs a context for client construction, so it is wired here rather
// than in OpenBackend.
func openService(ctx context.Context, opts *rootOptions) (*session.Service, error) {
	cfg, err := loadConfig(opts.ConfigFile)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.Verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	var backend session.Backend
	if cfg.Store == session.StoreFirestore {
		backend, err = sessionfirestore.New(ctx,
			sessionfirestore.WithProjectID(cfg.Firestore.ProjectID),
			sessionfirestore.WithCredentialsFile(cfg.Firestore.CredentialsFile),
		)
	} else {
		backend, err = session.OpenBackend(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Store, err)
	}

	session.InitMetrics()
	svc := session.NewService(backend, session.WithLogger(logger))
	if err := svc.EnsureSchema(ctx); err != nil {
		_ = svc.Close()
		return nil, err
	}
	return svc, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseState(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("parse state JSON: %w", err)
	}
	return m, nil
}

func newCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		app, user, sessionID string
		stateJSON            string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session",
		Long: `Create a session for a user of an application.

The initial state is a JSON object; keys prefixed "app:" or "user:"
update the shared application or user scope, the rest becomes
session-local state.

Example:
  convostore create --app weather --user alice --state '{"user:unit":"celsius"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx, opts)
			if err != nil {
				return err
			}
			defer svc.Close()

			state, err := parseState(stateJSON)
			if err != nil {
				return err
			}
			sess, err := svc.CreateSession(ctx, session.CreateRequest{
				AppName:   app,
				UserID:    user,
				SessionID: sessionID,
				State:     state,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, sess)
		},
	}
	cmd.Flags().StringVar(&app, "app", "", "application name (required)")
	cmd.Flags().StringVar(&user, "user", "", "user ID (required)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session ID (generated when omitted)")
	cmd.Flags().StringVar(&stateJSON, "state", "", "initial state delta as a JSON object")
	_ = cmd.MarkFlagRequired("app")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	var (
		app, user, sessionID string
		after                string
		recent               int
	)
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Fetch a session with its effective state and events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx, opts)
			if err != nil {
				return err
			}
			defer svc.Close()

			var cfg *session.GetConfig
			if after != "" || recent > 0 {
				cfg = &session.GetConfig{NumRecentEvents: recent}
				if after != "" {
					t, err := time.Parse(time.RFC3339, after)
					if err != nil {
						return fmt.Errorf("parse --after: %w", err)
					}
					cfg.AfterTimestamp = t
				}
			}
			sess, err := svc.GetSession(ctx, app, user, sessionID, cfg)
			if err != nil {
				return err
			}
			if sess == nil {
				return fmt.Errorf("session %q not found", sessionID)
			}
			return printJSON(cmd, sess)
		},
	}
	cmd.Flags().StringVar(&app, "app", "", "application name (required)")
	cmd.Flags().StringVar(&user, "user", "", "user ID (required)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session ID (required)")
	cmd.Flags().StringVar(&after, "after", "", "only events at or after this RFC3339 timestamp")
	cmd.Flags().IntVar(&recent, "recent", 0, "keep only the N most recent matching events")
	_ = cmd.MarkFlagRequired("app")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newListCommand(opts *rootOptions) *cobra.Command {
	var app, user string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the sessions of an application",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx, opts)
			if err != nil {
				return err
			}
			defer svc.Close()

			sessions, err := svc.ListSessions(ctx, app, user)
			if err != nil {
				return err
			}
			return printJSON(cmd, sessions)
		},
	}
	cmd.Flags().StringVar(&app, "app", "", "application name (required)")
	cmd.Flags().StringVar(&user, "user", "", "restrict to one user")
	_ = cmd.MarkFlagRequired("app")
	return cmd
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	var app, user, sessionID string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a session and its events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx, opts)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.DeleteSession(ctx, app, user, sessionID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted session %s\n", sessionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&app, "app", "", "application name (required)")
	cmd.Flags().StringVar(&user, "user", "", "user ID (required)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session ID (required)")
	_ = cmd.MarkFlagRequired("app")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health and metrics endpoints for the store",
		Long: `Expose /health, /health/live, /health/ready, and /metrics over
HTTP, with the configured backend wired into the readiness check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx, opts)
			if err != nil {
				return err
			}
			defer svc.Close()

			checker := observability.NewHealthChecker()
			checker.RegisterCheck(observability.PingCheck())
			checker.RegisterCheck(observability.StoreCheck(svc.Ping))

			srv := observability.NewServer(port, checker)
			errChan := make(chan error, 1)
			go func() {
				if err := srv.Start(); err != nil && err != http.ErrServerClosed {
					errChan <- err
				}
			}()
			fmt.Fprintf(cmd.OutOrStdout(), "serving on :%d\n", port)

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errChan:
				return err
			case <-quit:
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "HTTP port")
	return cmd
}

func newAppendCommand(opts *rootOptions) *cobra.Command {
	var (
		app, user, sessionID string
		author, invocation   string
		deltaJSON            string
	)
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append an event to a session",
		Long: `Append an event to a session, optionally carrying a state delta.

Example:
  convostore append --app weather --user alice --session s1 \
    --author agent --delta '{"user:unit":"fahrenheit","last_city":"Oslo"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx, opts)
			if err != nil {
				return err
			}
			defer svc.Close()

			sess, err := svc.GetSession(ctx, app, user, sessionID, nil)
			if err != nil {
				return err
			}
			if sess == nil {
				return fmt.Errorf("session %q not found", sessionID)
			}

			delta, err := parseState(deltaJSON)
			if err != nil {
				return err
			}
			ev := session.NewEvent(invocation, author)
			ev.Actions.StateDelta = delta
			if _, err := svc.AppendEvent(ctx, sess, ev); err != nil {
				return err
			}
			return printJSON(cmd, ev)
		},
	}
	cmd.Flags().StringVar(&app, "app", "", "application name (required)")
	cmd.Flags().StringVar(&user, "user", "", "user ID (required)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session ID (required)")
	cmd.Flags().StringVar(&author, "author", "user", "event author")
	cmd.Flags().StringVar(&invocation, "invocation", "", "invocation ID")
	cmd.Flags().StringVar(&deltaJSON, "delta", "", "state delta as a JSON object")
	_ = cmd.MarkFlagRequired("app")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}
