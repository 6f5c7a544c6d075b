package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	testutils "github.com/jdillenkofer/strato/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func setupPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	username := "postgres"
	password := "postgres"
	dbname := "postgres"
	postgresContainer, err := postgres.Run(ctx, "postgres:17.5-alpine3.22",
		postgres.WithUsername(username),
		postgres.WithPassword(password),
		postgres.WithDatabase(dbname),
		postgres.BasicWaitStrategies())
	if err != nil {
		return nil, err
	}
	return postgresContainer, nil
}

func TestRebind(t *testing.T) {
	testutils.SkipIfIntegration(t)

	query := "SELECT a FROM t WHERE b = ? AND c > ?"
	assert.Equal(t, query, Rebind(DialectSqlite, query))
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c > $2", Rebind(DialectPostgres, query))
}

func TestOpenSqliteDatabaseAppliesMigrations(t *testing.T) {
	testutils.SkipIfIntegration(t)

	dbPath := filepath.Join(t.TempDir(), "strato.db")
	db, err := OpenSqliteDatabase(dbPath)
	require.Nil(t, err)
	defer db.Close()

	assert.Equal(t, DialectSqlite, db.Dialect())
	assert.Nil(t, db.PingContext(context.Background()))

	tx, err := db.BeginTx(context.Background(), &sql.TxOptions{ReadOnly: true})
	require.Nil(t, err)
	defer tx.Rollback()
	var count int
	err = tx.QueryRow("SELECT COUNT(*) FROM index_entries").Scan(&count)
	assert.Nil(t, err)
	assert.Equal(t, 0, count)
}

func TestSqliteMigrateUpAndDown(t *testing.T) {
	testutils.SkipIfIntegration(t)

	dbPath := filepath.Join(t.TempDir(), "strato.db")
	db, err := sql.Open("sqlite3", dbPath+"?mode=rwc")
	require.Nil(t, err)
	defer db.Close()

	m, err := createSqliteMigrateInstance(db)
	require.Nil(t, err)
	assert.Nil(t, m.Up())
	assert.Nil(t, m.Down())
}

func TestPostgresMigrateUpAndDown(t *testing.T) {
	testutils.SkipIfNotIntegration(t)

	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := t.Context()
	pgContainer, err := setupPostgresContainer(ctx)
	require.Nil(t, err)
	defer pgContainer.Terminate(ctx)
	dbUrl, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.Nil(t, err)

	db, err := sql.Open("pgx", dbUrl)
	require.Nil(t, err)
	defer db.Close()

	m, err := createPostgresMigrateInstance(db)
	require.Nil(t, err)
	assert.Nil(t, m.Up())
	assert.Nil(t, m.Down())
}
