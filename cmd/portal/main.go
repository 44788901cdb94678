package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/portal/internal/config"
	"github.com/ehr/portal/internal/platform/apiclient"
	"github.com/ehr/portal/internal/platform/cognito"
	"github.com/ehr/portal/internal/platform/storage"
	"github.com/ehr/portal/internal/platform/telemetry"
	"github.com/ehr/portal/internal/platform/webhook"
	"github.com/ehr/portal/internal/portal"
	"github.com/ehr/portal/internal/session"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "portal",
		Short:         "Clinic portal sign-in and session service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(apiCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// runtime is what every subcommand needs: config, a logger and a session
// store backed by the configured storage.
type runtime struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  *session.Store
	st     storage.Storage
}

func (r *runtime) Close() {
	if err := storage.Close(r.st); err != nil {
		r.logger.Warn().Err(err).Msg("failed to close storage")
	}
}

func setup(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Env)

	st, err := storage.Open(ctx, cfg.StorageURL)
	if err != nil {
		return nil, err
	}
	key, err := cfg.StorageKeyBytes()
	if err != nil {
		storage.Close(st)
		return nil, err
	}
	if key != nil {
		sealed, err := storage.NewSealed(st, key)
		if err != nil {
			storage.Close(st)
			return nil, err
		}
		prev, err := cfg.PreviousStorageKeys()
		if err != nil {
			storage.Close(st)
			return nil, err
		}
		for _, k := range prev {
			if err := sealed.AddPreviousKey(k); err != nil {
				storage.Close(st)
				return nil, err
			}
		}
		st = sealed
	}

	gw, err := cognito.NewFromConfig(ctx, cfg, st, logger)
	if err != nil {
		storage.Close(st)
		return nil, err
	}

	store := session.New(ctx, gw, st, session.Options{Logger: logger})
	return &runtime{cfg: cfg, logger: logger, store: store, st: st}, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the portal over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			tp, err := telemetry.NewProvider(ctx, rt.cfg.OTLPEndpoint, rt.cfg.ServiceName, rt.cfg.OTLPInsecure, 0)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					rt.logger.Warn().Err(err).Msg("telemetry shutdown failed")
				}
			}()
			tp.SetGlobal()
			metrics, err := telemetry.NewMetrics(tp.MeterProvider)
			if err != nil {
				return err
			}
			opts := []portal.ServerOption{portal.WithMetrics(metrics)}

			if rt.cfg.AuditWebhookURL != "" {
				fwd, err := webhook.NewForwarder(rt.cfg.AuditWebhookURL, rt.cfg.AuditWebhookSecret, rt.logger)
				if err != nil {
					return err
				}
				go fwd.Run(ctx)
				opts = append(opts, portal.WithAuditRecorders(fwd))
			}

			srv, err := portal.NewServer(rt.cfg, rt.store, rt.st, rt.logger, opts...)
			if err != nil {
				return err
			}
			return srv.Run(ctx, rt.cfg.ListenAddr())
		},
	}
}

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			username, _ := cmd.Flags().GetString("username")
			p := newPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
			return runLogin(ctx, rt.store, p, username, rt.cfg.MFAIssuer)
		},
	}
	cmd.Flags().String("username", "", "Username or email (prompted when empty)")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			rt.store.Logout(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Revalidate the stored session and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			rt.store.CheckSession(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rt.store.Snapshot())
		},
	}
}

func apiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api <path>",
		Short: "GET a backend path with the signed-in user's token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.cfg.BackendURL == "" {
				return fmt.Errorf("BACKEND_URL is not set")
			}
			client, err := apiclient.New(rt.cfg.BackendURL, rt.store)
			if err != nil {
				return err
			}
			if err := client.Get(cmd.Context(), args[0], cmd.OutOrStdout()); err != nil {
				if apiclient.IsUnauthorized(err) {
					return fmt.Errorf("%w (run `portal login`)", err)
				}
				return err
			}
			return nil
		},
	}
}
