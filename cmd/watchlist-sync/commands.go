package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// withApplication opens the core for one command and always closes it.
func withApplication(cmd *cobra.Command, run func(ctx context.Context, app *application) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := openApplication(ctx)
	if err != nil {
		return err
	}
	defer app.Close()
	return run(ctx, app)
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func newServeCommand() *cobra.Command {
	var (
		address string
		apiKey  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync core with the local HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, func(ctx context.Context, app *application) error {
				if address == "" {
					address = app.config.HTTPAddress
				}
				if apiKey == "" {
					apiKey = app.config.HTTPAPIKey
				}
				return runServer(ctx, app, address, apiKey)
			})
		},
	}
	cmd.Flags().StringVar(&address, "http-address", "", "HTTP listen address (defaults to http.address)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Require this key on every local API call")
	return cmd
}

func runServer(ctx context.Context, app *application, address, apiKey string) error {
	if err := app.session.Start(); err != nil {
		return err
	}
	if _, err := app.backups.Prune(app.config.BackupDir, app.config.BackupRetention); err != nil {
		app.logger.Warn("backup pruning failed", zap.Error(err))
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Session:        app.session,
		Backups:        app.backups,
		APIKey:         apiKey,
		AllowedOrigins: app.config.AllowedOrigins,
		Logger:         app.logger.Named("http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting", zap.String("address", address))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay queued writes and pull everything once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, func(ctx context.Context, app *application) error {
				if err := app.session.Repository().SyncNow(ctx); err != nil {
					return err
				}
				status, err := app.session.Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and last pull time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, func(ctx context.Context, app *application) error {
				status, err := app.session.Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}
}

func newMutationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mutations",
		Short: "Inspect and manage queued writes",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List queued writes in replay order",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApplication(cmd, func(ctx context.Context, app *application) error {
					queued, err := app.session.Mutations().List(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), queued)
				})
			},
		},
		&cobra.Command{
			Use:   "retry <id>",
			Short: "Reset a failed write and replay it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApplication(cmd, func(ctx context.Context, app *application) error {
					if err := app.session.Mutations().Retry(ctx, args[0]); err != nil {
						return err
					}
					report, err := app.session.Mutations().Drain(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), report)
				})
			},
		},
		&cobra.Command{
			Use:   "discard <id>",
			Short: "Drop a queued write and undo its local effect",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApplication(cmd, func(ctx context.Context, app *application) error {
					if err := app.session.Mutations().Discard(ctx, args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", args[0])
					return nil
				})
			},
		},
	)
	return cmd
}

func newTitlesCommand() *cobra.Command {
	var mediaType string
	cmd := &cobra.Command{
		Use:   "titles",
		Short: "Manage titles added offline without a catalog id",
	}
	resolve := &cobra.Command{
		Use:   "resolve [id catalog-id]",
		Short: "Resolve one title to a catalog id, or every title with a single exact search match",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected no arguments or <id> <catalog-id>")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, func(ctx context.Context, app *application) error {
				repo := app.session.Repository()
				if len(args) == 0 {
					resolved, err := repo.AutoResolvePendingTitles(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "resolved %d titles\n", resolved)
					return nil
				}
				result, err := repo.ResolvePendingTitle(ctx, args[0], library.CatalogID(args[1]), library.MediaType(mediaType))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", result.State, args[1])
				return nil
			})
		},
	}
	resolve.Flags().StringVar(&mediaType, "media-type", "", "movie or tv")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List unresolved titles",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApplication(cmd, func(ctx context.Context, app *application) error {
					titles, err := app.session.Repository().ListPendingTitles(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), titles)
				})
			},
		},
		resolve,
		&cobra.Command{
			Use:   "discard <id>",
			Short: "Drop an unresolved title",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApplication(cmd, func(ctx context.Context, app *application) error {
					return app.session.Repository().DiscardPendingTitle(ctx, args[0])
				})
			},
		},
	)
	return cmd
}

func newExportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "export [path]",
		Short: "Write the cached watchlist to a JSON backup",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, func(ctx context.Context, app *application) error {
				target := ""
				if len(args) == 1 {
					target = args[0]
				}
				path, summary, err := app.backups.Export(ctx, app.backupPath(target))
				if err != nil {
					return err
				}
				if _, err := app.backups.Prune(app.config.BackupDir, app.config.BackupRetention); err != nil {
					app.logger.Warn("backup pruning failed", zap.Error(err))
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"path": path, "summary": summary})
			})
		},
	}
}

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <path>",
		Short: "Replay a JSON backup through the sync core",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, func(ctx context.Context, app *application) error {
				summary, err := app.backups.Import(ctx, args[0])
				if err != nil {
					return err
				}
				if _, err := app.session.Mutations().Drain(ctx); err != nil && !library.IsConnectivity(err) {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
}
