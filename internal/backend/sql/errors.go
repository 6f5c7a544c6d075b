package sql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/mattn/go-sqlite3"
)

const pgUniqueViolation = "23505"
const pgForeignKeyViolation = "23503"
const pgAdminShutdown = "57P01"
const pgCannotConnectNow = "57P03"

// returnCodeOf maps database and driver errors onto backend return codes.
func returnCodeOf(err error) backend.ReturnCode {
	if err == nil {
		return backend.RCSuccess
	}
	if errors.Is(err, context.Canceled) {
		return backend.RCCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return backend.RCTimedOut
	}
	if errors.Is(err, sql.ErrNoRows) {
		return backend.RCNotFound
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return backend.RCNotConn
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked:
			return backend.RCTimedOut
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique:
			return backend.RCExists
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey:
			return backend.RCNotFound
		case sqliteErr.Code == sqlite3.ErrNomem || sqliteErr.Code == sqlite3.ErrFull:
			return backend.RCNoMemory
		}
		return backend.RCIO
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return backend.RCExists
		case pgForeignKeyViolation:
			return backend.RCNotFound
		case pgAdminShutdown, pgCannotConnectNow:
			return backend.RCShutdown
		}
		return backend.RCIO
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return backend.RCConnRefused
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return backend.RCConnRefused
	}
	if errors.Is(err, syscall.EHOSTUNREACH) {
		return backend.RCHostUnreach
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return backend.RCTimedOut
		}
		return backend.RCNotConn
	}
	return backend.RCIO
}

func failed(op *backend.Op, err error) backend.Result {
	return backend.Failed(op, returnCodeOf(err), err.Error())
}
