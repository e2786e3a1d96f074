package runcmd

import (
	"log"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"promptwatch/internal/config"
	"promptwatch/internal/database"
	"promptwatch/internal/provider"
	"promptwatch/internal/queue"
	"promptwatch/internal/store"
)

var Command = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Long:  "Run service from a selected list of services",
}

func init() {
	Command.AddCommand(schedulerCmd)
	Command.AddCommand(driverCmd)
	Command.AddCommand(reconcilerCmd)
	Command.AddCommand(serverCmd)
}

func setLogLevel(conf *config.PWConfig) {
	zerolog.SetGlobalLevel(conf.ZerologLevel())
}

func mustDatabase(conf *config.PWConfig) *sqlx.DB {
	db, err := database.New(conf)
	if err != nil {
		log.Fatalf("Could not connect to database: %v", err)
	}
	return db
}

func mustStore(conf *config.PWConfig) (*sqlx.DB, *store.PostgresStore) {
	db := mustDatabase(conf)
	return db, store.NewPostgresStore(db)
}

func mustProviders(conf *config.PWConfig) map[string]provider.Client {
	clients, err := provider.All(conf)
	if err != nil {
		log.Fatalf("Could not build provider clients: %v", err)
	}
	return clients
}

func mustQueue(conf *config.PWConfig) *queue.RedisClient {
	redis, err := queue.NewRedisClient(conf.Queue.Host, conf.Queue.Password, conf.Queue.DB)
	if err != nil {
		log.Fatalf("Could not connect to redis queue: %v", err)
	}
	return redis
}
