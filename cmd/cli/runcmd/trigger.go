package runcmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"promptwatch/internal/config"
	"promptwatch/internal/models"
	"promptwatch/internal/monitor"
	"promptwatch/internal/scheduler"
)

var (
	triggerForce     bool
	triggerNoMonitor bool
	triggerTimeout   time.Duration
	triggerVerbose   bool
)

var TriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Kicks off today's fan-out and waits for it to settle",
	Long: `Kicks off the fan-out for today's run window immediately, without waiting for
the cron. The command then watches the created jobs and exits 0 only once every
job has drained. Already existing jobs for the window are skipped unless
--force is given, in which case open ones are republished.

Drivers still do the actual work, so at least one driver process must be
running for the jobs to make progress.`,
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)
		setLogLevel(conf)
		if triggerVerbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}

		db, st := mustStore(conf)
		q := mustQueue(conf)
		defer func() {
			if err := db.Close(); err != nil {
				log.Printf("Could not close db cleanly: %v\n", err)
			}

			if err := q.Close(); err != nil {
				log.Printf("Could not close redis queue cleanly: %v\n", err)
			}
		}()

		ctx := context.Background()
		jobs, err := scheduler.New(st, q, conf).RunOnce(ctx, triggerForce)
		if err != nil {
			log.Fatal().Err(err).Msg("Fan-out failed")
		}

		fmt.Printf("Fan-out for window %s created or resumed %d job(s)\n", models.Window(time.Now()), len(jobs))
		if len(jobs) == 0 || triggerNoMonitor {
			return
		}

		timeout := triggerTimeout
		if timeout <= 0 {
			timeout = time.Duration(conf.Monitor.TimeoutMin) * time.Minute
		}
		watchCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		jobIDs := make([]int64, 0, len(jobs))
		for _, job := range jobs {
			jobIDs = append(jobIDs, job.ID)
		}

		poll := time.Duration(conf.Monitor.PollSec) * time.Second
		report, err := monitor.New(st, poll).Watch(watchCtx, jobIDs)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not watch jobs")
		}

		fmt.Printf("%d of %d job(s) settled\n", report.Settled, len(jobIDs))
		if report.AllSettled() {
			return
		}

		fmt.Println("Incomplete jobs:")
		for _, s := range report.Incomplete {
			fmt.Printf(
				"  job %d (org %d): %d/%d done, %d failed, status %s\n",
				s.JobID, s.OrgID, s.CompletedTasks, s.TotalTasks, s.FailedTasks, s.Status,
			)
		}
		os.Exit(1)
	},
}

func init() {
	TriggerCmd.Flags().BoolVar(&triggerForce, "force", false, "republish open jobs that already exist for the window")
	TriggerCmd.Flags().BoolVar(&triggerNoMonitor, "no-monitor", false, "return right after publishing, do not wait for the jobs to drain")
	TriggerCmd.Flags().DurationVar(&triggerTimeout, "timeout", 0, "how long to wait for the jobs to drain (defaults to monitor.timeout_min)")
	TriggerCmd.Flags().BoolVarP(&triggerVerbose, "verbose", "v", false, "debug logging")
}
