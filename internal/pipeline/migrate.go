package pipeline

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver with database/sql for goose

	"github.com/pressly/goose/v3"

	"github.com/mbta/dmap-loader/internal/pipeline/migrations"
)

// MigrateToHead runs every pending goose migration against the warehouse,
// grounded on admin/internal/admin/pg_migrate.go's PgMigrateUp.
func MigrateToHead(log *slog.Logger, cfg *Config) error {
	sslMode := "disable"
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName, sslMode,
	)

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.EmbedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	log.Info("running migrations to head")
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("migrations complete")
	return nil
}
