package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"promptwatch/internal/config"
	"promptwatch/internal/driver"
	"promptwatch/internal/executor"
	"promptwatch/internal/queue"
)

var driverCmd = &cobra.Command{
	Use:   "driver",
	Short: "Runs a job driver process",
	Long: `Runs a job driver process. The driver blocks on the drive queue and works one
job at a time until its task set is drained. Run several drivers to work jobs
of different organizations in parallel.`,
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running driver process")
		conf := config.FromCobraCmd(cmd)
		setLogLevel(conf)

		db, st := mustStore(conf)
		q := mustQueue(conf)

		ctx, cancel := context.WithCancel(context.Background())
		exec := executor.New(st, mustProviders(conf), q, conf.TaskTimeout())
		drv := driver.New(st, exec, conf)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		errCh := make(chan error, 1)
		go func() {
			errCh <- q.SubscribeDrive(ctx, func(message queue.DriveMessage) {
				log.Info().
					Int64("job_id", message.JobID).
					Str("reason", message.Reason).
					Msg("Picked up drive message")

				if err := drv.Run(ctx, message.JobID); err != nil {
					log.Error().
						Err(err).
						Int64("job_id", message.JobID).
						Str("driver_id", drv.ID).
						Msg("Job run ended with an error")
				}
			})
		}()

		defer func() {
			if err := db.Close(); err != nil {
				log.Printf("Could not close db cleanly on shutdown: %v\n", err)
			}

			if err := q.Close(); err != nil {
				log.Printf("Could not close redis queue cleanly on shutdown: %v\n", err)
			}

			cancel()
		}()

		select {
		case err := <-errCh:
			if err != nil && err != context.Canceled {
				log.Fatal().Err(err).Str("driver_id", drv.ID).Msg("Ran into problems")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
		}
	},
}
