// cmd/migrate/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/unclebandit/alert-relay/internal/db"
	"github.com/unclebandit/alert-relay/internal/logging"
	"github.com/unclebandit/alert-relay/internal/repository"
)

// Applies the schema, makes sure the settings row exists and optionally
// executes fixture SQL files given as arguments.
func main() {
	_ = godotenv.Load()

	driver := flag.String("driver", envOr("DB_DRIVER", db.DriverSQLite), "database driver (sqlite or postgres)")
	dsn := flag.String("dsn", envOr("DATABASE_URL", "relay.db"), "database DSN or sqlite file")
	secondary := flag.Int64("secondary", 0, "secondary channel id stored in the settings row")
	flag.Parse()

	log := logging.New(envOr("LOG_LEVEL", "info"), envOr("LOG_FORMAT", "text"), os.Stderr)
	if err := run(context.Background(), log, *driver, *dsn, *secondary, flag.Args()); err != nil {
		log.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, driver, dsn string, secondary int64, seedFiles []string) error {
	conn, err := db.Open(ctx, driver, dsn)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn, driver); err != nil {
		return err
	}
	if err := repository.NewScheduleRepository(conn).EnsureRow(ctx, secondary); err != nil {
		return err
	}
	log.Info("schema up to date", "driver", driver)

	for _, file := range seedFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("execute %s: %w", file, err)
		}
		log.Info("seeded", "file", file)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
