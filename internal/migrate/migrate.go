// Package migrate applies the embedded schema migrations through a goose provider.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/and161185/chifferchat/migrations"
)

// Migrator owns a database/sql handle for the lifetime of a migration run.
type Migrator struct {
	db       *sql.DB
	provider *goose.Provider
	log      *zap.Logger
}

// Open prepares a migrator for dsn without touching the database yet.
func Open(dsn string, log *zap.Logger) (*Migrator, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	m, err := newMigrator(db, migrations.FS, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

func newMigrator(db *sql.DB, fsys fs.FS, log *zap.Logger) (*Migrator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	p, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	return &Migrator{db: db, provider: p, log: log}, nil
}

// Versions lists the embedded migration versions in apply order.
func (m *Migrator) Versions() []int64 {
	src := m.provider.ListSources()
	out := make([]int64, 0, len(src))
	for _, s := range src {
		out = append(out, s.Version)
	}
	return out
}

// Up applies every pending migration and returns the resulting schema version.
func (m *Migrator) Up(ctx context.Context) (int64, error) {
	res, err := m.provider.Up(ctx)
	for _, r := range res {
		m.log.Info("migration applied",
			zap.Int64("version", r.Source.Version),
			zap.String("file", r.Source.Path),
			zap.Duration("dur", r.Duration))
	}
	if err != nil {
		return 0, err
	}
	return m.provider.GetDBVersion(ctx)
}

func (m *Migrator) Close() error {
	return m.provider.Close()
}

// Up is the one-shot form used at startup.
func Up(ctx context.Context, dsn string, log *zap.Logger) error {
	m, err := Open(dsn, log)
	if err != nil {
		return err
	}
	defer m.Close()
	v, err := m.Up(ctx)
	if err != nil {
		return err
	}
	m.log.Info("schema ready", zap.Int64("version", v))
	return nil
}
