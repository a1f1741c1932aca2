package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goliatone/go-formhooks/migrations"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

type persistenceConfig struct {
	driver string
	server string
	debug  bool
}

func (c persistenceConfig) GetDebug() bool                { return c.debug }
func (c persistenceConfig) GetDriver() string             { return c.driver }
func (c persistenceConfig) GetServer() string             { return c.server }
func (c persistenceConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c persistenceConfig) GetOtelIdentifier() string     { return "formhooksd" }

// openDatabase connects, registers the embedded migrations for the driver's
// dialect and applies them.
func openDatabase(ctx context.Context, s settings) (*persistence.Client, *sql.DB, error) {
	set, err := migrations.ForDriver(s.DatabaseDriver)
	if err != nil {
		return nil, nil, err
	}
	var dialect schema.Dialect = sqlitedialect.New()
	if set.Dialect == migrations.Postgres {
		dialect = pgdialect.New()
	}

	sqlDB, err := sql.Open(s.DatabaseDriver, s.DatabaseDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("formhooksd: open database: %w", err)
	}
	if s.DatabaseDriver == driverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	client, err := persistence.New(persistenceConfig{
		driver: s.DatabaseDriver,
		server: s.DatabaseDSN,
		debug:  s.Debug,
	}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("formhooksd: persistence client: %w", err)
	}

	client.RegisterSQLMigrations(set.FS)
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("formhooksd: migrate: %w", err)
	}
	return client, sqlDB, nil
}
