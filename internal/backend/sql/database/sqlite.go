package database

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteMigrationsPath = "migrations/sqlite"

// In auto-vacuum full mode freelist pages are moved to the end of the file
// end the file is truncated
// See https://www.sqlite.org/pragma.html#pragma_auto_vacuum
func enableAutoVacuumFullMode(db *sql.DB) error {
	_, err := db.Exec("PRAGMA auto_vacuum = FULL;")
	return err
}

func enableWALJournalMode(db *sql.DB) error {
	_, err := db.Exec("PRAGMA journal_mode = WAL;")
	return err
}

func enableNormalSynchronous(db *sql.DB) error {
	_, err := db.Exec("PRAGMA synchronous = NORMAL;")
	return err
}

func enableForeignKeyConstraints(db *sql.DB) error {
	_, err := db.Exec("PRAGMA foreign_keys = ON;")
	return err
}

func createSqliteMigrateInstance(db *sql.DB) (*migrate.Migrate, error) {
	databaseDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, err
	}
	return createMigrateInstance(sqliteMigrationsPath, "sqlite3", databaseDriver)
}

type sqliteDatabase struct {
	readOnlyDb  *sql.DB
	writeableDb *sql.DB
}

func (sdb *sqliteDatabase) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if opts != nil && opts.ReadOnly {
		return sdb.readOnlyDb.BeginTx(ctx, opts)
	}
	return sdb.writeableDb.BeginTx(ctx, opts)
}

func (sdb *sqliteDatabase) PingContext(ctx context.Context) error {
	return sdb.readOnlyDb.PingContext(ctx)
}

func (sdb *sqliteDatabase) Close() error {
	err := sdb.readOnlyDb.Close()
	if err != nil {
		return err
	}
	return sdb.writeableDb.Close()
}

func (sdb *sqliteDatabase) Dialect() Dialect {
	return DialectSqlite
}

// OpenSqliteDatabase opens the database file at dbPath with one writer
// connection and a separate pool of read only connections.
func OpenSqliteDatabase(dbPath string) (Database, error) {
	storagePath := filepath.Dir(dbPath)
	err := os.MkdirAll(storagePath, os.ModePerm)
	if err != nil {
		return nil, err
	}
	writeableDb, err := sql.Open("sqlite3", dbPath+"?mode=rwc&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	err = setupWriteableDatabase(writeableDb)
	if err != nil {
		writeableDb.Close()
		return nil, err
	}

	readOnlyDb, err := sql.Open("sqlite3", dbPath+"?mode=ro&_busy_timeout=5000&_txlock=deferred")
	if err != nil {
		writeableDb.Close()
		return nil, err
	}
	return &sqliteDatabase{readOnlyDb, writeableDb}, nil
}

func setupWriteableDatabase(db *sql.DB) error {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)
	setupSteps := []func(*sql.DB) error{
		enableAutoVacuumFullMode,
		enableWALJournalMode,
		enableNormalSynchronous,
		enableForeignKeyConstraints,
	}
	for _, setupStep := range setupSteps {
		if err := setupStep(db); err != nil {
			return err
		}
	}
	m, err := createSqliteMigrateInstance(db)
	if err != nil {
		return err
	}
	return applyMigrations(m)
}
