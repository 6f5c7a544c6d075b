package database

import (
	"context"
	"database/sql"
	"embed"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratedatabase "github.com/golang-migrate/migrate/v4/database"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/**/*.sql
var migrationsFilesystem embed.FS

type Dialect int

const (
	DialectSqlite Dialect = iota
	DialectPostgres
)

type Database interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	PingContext(ctx context.Context) error
	Close() error
	Dialect() Dialect
}

// Rebind turns the ? placeholders of query into the form the dialect expects.
func Rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func createMigrateInstance(migrationsPath string, databaseName string, databaseDriver migratedatabase.Driver) (*migrate.Migrate, error) {
	sourceDriver, err := iofs.New(migrationsFilesystem, migrationsPath)
	if err != nil {
		return nil, err
	}
	return migrate.NewWithInstance("iofs", sourceDriver, databaseName, databaseDriver)
}

func applyMigrations(m *migrate.Migrate) error {
	err := m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}
