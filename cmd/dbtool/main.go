package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/PortNumber53/subcatalog/backend/internal/config"
	"github.com/PortNumber53/subcatalog/backend/internal/logger"
	"github.com/PortNumber53/subcatalog/backend/internal/migrations"
)

func main() {
	// Load environment variables
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(log, cfg.DatabaseURL, os.Args[1:]); err != nil {
		log.Error("dbtool failed", logger.Error(err))
		os.Exit(1)
	}
}

func run(log *slog.Logger, dsn string, args []string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	cmd := "up"
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "up":
		log.Info("applying migrations")
		return migrations.Up(db, log)

	case "fix":
		log.Info("attempting to fix dirty database")
		if err := migrations.FixDirtyDatabase(db); err != nil {
			return fmt.Errorf("fix dirty database: %w", err)
		}
		log.Info("database fixed")
		return nil

	case "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: dbtool force <version>")
		}
		v, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number %q", args[1])
		}
		if err := migrations.ForceVersion(db, uint(v)); err != nil {
			return err
		}
		log.Info("database version forced", slog.Uint64("version", v))
		return nil

	case "status":
		v, dirty, err := migrations.Version(db)
		if err != nil {
			return err
		}
		log.Info("migration status", slog.Uint64("version", uint64(v)), slog.Bool("dirty", dirty))
		return nil

	default:
		return fmt.Errorf("usage: dbtool [up|fix|force <version>|status]")
	}
}
