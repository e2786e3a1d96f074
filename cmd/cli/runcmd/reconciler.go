package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"promptwatch/internal/config"
	"promptwatch/internal/reconciler"
)

var reconcilerCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Starts the reconciler process",
	Long: `Starts the reconciler process. It periodically finalizes drained jobs whose
driver died before the last write, and republishes stale jobs that still have
pending tasks.`,
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running reconciler process")
		conf := config.FromCobraCmd(cmd)
		setLogLevel(conf)

		db, st := mustStore(conf)
		q := mustQueue(conf)

		ctx, cancel := context.WithCancel(context.Background())
		rec := reconciler.New(st, q, conf)
		rec.Start(ctx)

		defer func() {
			if err := db.Close(); err != nil {
				log.Printf("Could not close db cleanly on shutdown: %v\n", err)
			}

			if err := q.Close(); err != nil {
				log.Printf("Could not close redis queue cleanly on shutdown: %v\n", err)
			}

			cancel()
			rec.Stop()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		log.Info().Msgf("Received signal %v, shutting down...", <-sigCh)
	},
}
