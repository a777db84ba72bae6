package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/postrelay/internal/runtime/logging"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var withProducer bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay, the HTTP API and the live endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Error("Shutdown failed", err, logging.LogFields{})
				}
			}()

			producer, err := a.relay.NewProducer()
			if err != nil {
				return err
			}
			handler, err := a.router(producer)
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.HTTPAddress, Handler: handler}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return a.relay.Start(gctx)
			})
			g.Go(func() error {
				log.Info("HTTP server listening", logging.LogFields{"address": cfg.HTTPAddress})
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				// hijacked websocket connections are not tracked by Shutdown
				a.sessions.CloseAll()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if withProducer {
				g.Go(func() error {
					return producer.Run(gctx, cfg.ProducerInterval, nil)
				})
			}

			err = g.Wait()
			log.Info("Server stopped", logging.LogFields{"live_sessions": a.sessions.Count()})
			return err
		},
	}
	cmd.Flags().BoolVar(&withProducer, "with-producer", false, "also publish a synthetic post every producer interval")
	return cmd
}

func newRelayCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run only the queue relay",
		Long:  "Consume the durable queue and apply events to the record store. Live sessions connected to another process are not notified.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.relay.Start(ctx)
		},
	}
}
