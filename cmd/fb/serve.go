package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"flowboard/internal/app"
	"flowboard/internal/domain"
	"flowboard/internal/logger"
	"flowboard/internal/repo"
	"flowboard/internal/server"
	"flowboard/internal/sweeper"
)

func eventsCmd() *cobra.Command {
	var kind, id string
	var n int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				evts, err := rt.Engine.Events.List(ctx, kind, id, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(evts)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "item", "entity kind (item, group, board, project)")
	cmd.Flags().StringVar(&id, "id", "", "entity id")
	cmd.Flags().IntVarP(&n, "number", "n", 20, "number of events")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one repair pass over dependencies, triggers and groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				report, err := rt.Engine.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, decision file watcher, sweeper and webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := ossignal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				cfg := rt.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				log := rt.Log

				// The bridge replaces the engine launcher, so it must exist
				// before anything takes a copy of the engine.
				bridge := app.NewSignalBridge(&rt.Engine, cfg.Decision.PollInterval.Std(), log)
				if err := rewatch(ctx, rt, bridge); err != nil {
					return err
				}
				handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Log: log})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				sw := sweeper.New(rt.Engine, cfg.Sweep.Interval.Std(), log)
				hooks := server.NewWebhookDispatcher(rt.Engine.Events, cfg.Webhooks, cfg.Decision.PollInterval.Std(), log)

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return bridge.Watcher.Run(gctx) })
				g.Go(func() error { return sw.Run(gctx) })
				if hooks != nil {
					g.Go(func() error { return hooks.Run(gctx) })
				}
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					log.Info("serving flowboard API",
						logger.F("addr", "http://"+addr+basePath),
						logger.F("docs", "http://"+addr+"/docs"))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("listen: %w", err)
					}
					return nil
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// rewatch registers the decision files of items whose agent was running, or
// had exited without answering, when the previous server stopped.
func rewatch(ctx context.Context, rt *app.Runtime, bridge *app.SignalBridge) error {
	for _, phase := range []domain.Phase{domain.PhaseInProgress, domain.PhaseAwaitingResponse} {
		items, err := rt.Engine.Repo.ListItems(ctx, repo.ItemFilter{Phase: phase})
		if err != nil {
			return err
		}
		for _, it := range items {
			if path := rt.Engine.DecisionPath(it); path != "" {
				bridge.Watcher.Watch(it.ID, path)
			}
		}
	}
	return nil
}
