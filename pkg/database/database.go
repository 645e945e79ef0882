// Package database persists health-check and selection observations to
// Postgres. Pool state itself is never stored; the pool is rebuilt from the
// supplier on first use.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"proxy-pool/pkg/models"

	"github.com/spf13/viper"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

type DB struct {
	*bun.DB
}

func NewDB() (*DB, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		viper.GetString("database.user"),
		viper.GetString("database.password"),
		viper.GetString("database.host"),
		viper.GetInt("database.port"),
		viper.GetString("database.dbname"),
		viper.GetString("database.sslmode"),
	)

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))

	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	return &DB{db}, nil
}

// InitSchema creates the observation tables if they don't exist.
func (db *DB) InitSchema(ctx context.Context) error {
	_, err := db.NewCreateTable().
		Model((*models.ProbeResult)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create probe_results table: %v", err)
	}

	_, err = db.NewCreateTable().
		Model((*models.SelectionEvent)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create selection_events table: %v", err)
	}

	_, err = db.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'probe_results' AND indexname = 'probe_results_endpoint_id_idx') THEN
				CREATE INDEX probe_results_endpoint_id_idx ON probe_results (endpoint_id);
			END IF;
			IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'probe_results' AND indexname = 'probe_results_sweep_id_idx') THEN
				CREATE INDEX probe_results_sweep_id_idx ON probe_results (sweep_id);
			END IF;
			IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'selection_events' AND indexname = 'selection_events_endpoint_id_idx') THEN
				CREATE INDEX selection_events_endpoint_id_idx ON selection_events (endpoint_id);
			END IF;
		END $$;
	`)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %v", err)
	}

	return nil
}

// RecordProbe saves a single probe observation.
func (db *DB) RecordProbe(ctx context.Context, result *models.ProbeResult) error {
	_, err := db.NewInsert().
		Model(result).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error inserting probe result: %v", err)
	}

	return nil
}

// RecordSelection saves a single selection event.
func (db *DB) RecordSelection(ctx context.Context, event *models.SelectionEvent) error {
	_, err := db.NewInsert().
		Model(event).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error inserting selection event: %v", err)
	}

	return nil
}

// GetEndpointHealthStats returns per-endpoint healthy/unhealthy counts for
// probes observed since the given time.
func (db *DB) GetEndpointHealthStats(ctx context.Context, since time.Time) ([]EndpointHealthStat, error) {
	var stats []EndpointHealthStat
	err := db.NewSelect().
		Model((*models.ProbeResult)(nil)).
		Column("endpoint_id").
		ColumnExpr("count(*) FILTER (WHERE healthy) AS healthy").
		ColumnExpr("count(*) FILTER (WHERE NOT healthy) AS unhealthy").
		Where("time > ?", since).
		Group("endpoint_id").
		Order("endpoint_id").
		Scan(ctx, &stats)
	if err != nil {
		return nil, fmt.Errorf("error getting endpoint health stats: %v", err)
	}

	return stats, nil
}

type EndpointHealthStat struct {
	EndpointID string `bun:"endpoint_id"`
	Healthy    int    `bun:"healthy"`
	Unhealthy  int    `bun:"unhealthy"`
}
