package runcmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"promptwatch/internal/config"
	"promptwatch/internal/database"
)

var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Applies the database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)
		setLogLevel(conf)

		db := mustDatabase(conf)
		defer func() {
			if err := db.Close(); err != nil {
				log.Printf("Could not close db cleanly: %v\n", err)
			}
		}()

		if err := database.Migrate(db); err != nil {
			log.Fatal().Err(err).Msg("Could not apply migrations")
		}
		log.Info().Msg("Database schema is up to date")
	},
}
