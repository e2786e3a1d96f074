package runcmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"promptwatch/internal/api"
	"promptwatch/internal/config"
	"promptwatch/internal/reconciler"
	"promptwatch/internal/scheduler"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the web server",
	Long: `Starts the web server with the job progress views and the guarded trigger and
reconcile endpoints.`,
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running web server")
		conf := config.FromCobraCmd(cmd)
		setLogLevel(conf)

		db, st := mustStore(conf)
		q := mustQueue(conf)

		defer func() {
			if err := db.Close(); err != nil {
				log.Printf("Could not close db cleanly on shutdown: %v\n", err)
			}

			if err := q.Close(); err != nil {
				log.Printf("Could not close redis queue cleanly on shutdown: %v\n", err)
			}
		}()

		// the trigger endpoint needs a scheduler and the reconcile endpoint a
		// reconciler, neither runs its own timer here
		handler := api.New(st, scheduler.New(st, q, conf), reconciler.New(st, q, conf), conf)

		srv := &http.Server{
			Addr:    fmt.Sprintf("%s:%d", conf.Server.Host, conf.Server.Port),
			Handler: handler,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("Web server listening")
			errCh <- srv.ListenAndServe()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("Web server failed")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("Could not shut the web server down cleanly")
			}
		}
	},
}
