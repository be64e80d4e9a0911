// Command migrate creates or updates the database tables the collaboration
// service persists to.
package main

import (
	"flag"
	"os"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/openequity/collab/collab"
	"github.com/openequity/collab/internal/config"
	"github.com/openequity/collab/internal/slogging"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slogging.Get().Error("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	logger := slogging.Get()

	logger.Info("Connecting to postgres at %s:%s/%s", cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.Database)
	db, err := gorm.Open(postgres.Open(cfg.Postgres.DSN()), &gorm.Config{})
	if err != nil {
		logger.Error("Failed to connect to postgres: %v", err)
		os.Exit(1)
	}

	err = db.AutoMigrate(
		&collab.SessionModel{},
		&collab.ParticipantModel{},
		&collab.ActivityModel{},
		&collab.ElementFieldModel{},
	)
	if err != nil {
		logger.Error("Migration failed: %v", err)
		os.Exit(1)
	}

	logger.Info("Migration completed")
}
