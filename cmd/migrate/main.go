package main

import (
	"context"
	"flag"
	"fmt"

	"ms-fulfillment/internal/config"
	"ms-fulfillment/internal/database"
	"ms-fulfillment/internal/database/migrations"
	"ms-fulfillment/internal/logger"

	"github.com/joho/godotenv"
)

func main() {
	opts := migrations.DefaultOptions()
	down := flag.Bool("down", false, "roll back every migration")
	flag.BoolVar(&opts.SeedData, "seed", opts.SeedData, "also load the demo catalog")
	flag.StringVar(&opts.MigrationsDir, "dir", opts.MigrationsDir, "directory holding the SQL migrations")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.NewLogger()
	defer log.Close()

	ctx := context.Background()
	bunDB, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer bunDB.Close()

	runner := migrations.NewRunner(bunDB, opts, log)
	defer func() {
		if err := runner.Close(); err != nil {
			log.Warn("MIGRATE", err.Error())
		}
	}()

	if *down {
		if err := runner.Down(); err != nil {
			log.Fatal("MIGRATE", err.Error())
		}
		log.Info("MIGRATE", "✅ All migrations rolled back")
		return
	}

	if err := runner.Run(); err != nil {
		log.Fatal("MIGRATE", err.Error())
	}
	log.Info("MIGRATE", fmt.Sprintf("✅ Migrations applied from %s (seed=%t)", opts.MigrationsDir, opts.SeedData))
}
