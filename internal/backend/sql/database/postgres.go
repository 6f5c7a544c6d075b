package database

import (
	"database/sql"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresMigrationsPath = "migrations/postgres"

func createPostgresMigrateInstance(db *sql.DB) (*migrate.Migrate, error) {
	databaseDriver, err := pgx.WithInstance(db, &pgx.Config{})
	if err != nil {
		return nil, err
	}
	return createMigrateInstance(postgresMigrationsPath, "pgx", databaseDriver)
}

type postgresDatabase struct {
	*sql.DB
}

func (pdb *postgresDatabase) Dialect() Dialect {
	return DialectPostgres
}

func OpenPostgresDatabase(dbUrl string) (Database, error) {
	db, err := sql.Open("pgx", dbUrl)
	if err != nil {
		return nil, err
	}
	m, err := createPostgresMigrateInstance(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	err = applyMigrations(m)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &postgresDatabase{db}, nil
}
