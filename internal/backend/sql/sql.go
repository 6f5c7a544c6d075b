package sql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jdillenkofer/strato/internal/backend"
	"github.com/jdillenkofer/strato/internal/backend/sql/database"
)

const (
	insertObjectStmt       = "INSERT INTO objects (oid, layout_id, created_at) VALUES(?, ?, ?)"
	selectObjectLayoutStmt = "SELECT layout_id FROM objects WHERE oid = ?"
	deleteObjectStmt       = "DELETE FROM objects WHERE oid = ?"
	deleteObjectBlocksStmt = "DELETE FROM object_blocks WHERE oid = ?"
	upsertObjectBlockStmt  = "INSERT INTO object_blocks (oid, block_offset, data) VALUES(?, ?, ?) ON CONFLICT (oid, block_offset) DO UPDATE SET data = excluded.data"
	selectObjectBlocksStmt = "SELECT block_offset, data FROM object_blocks WHERE oid = ? AND block_offset < ? AND block_offset + length(data) > ? ORDER BY block_offset"

	selectIndexEntryStmt = "SELECT entry_value FROM index_entries WHERE index_oid = ? AND entry_key = ?"
	upsertIndexEntryStmt = "INSERT INTO index_entries (index_oid, entry_key, entry_value, updated_at) VALUES(?, ?, ?, ?) ON CONFLICT (index_oid, entry_key) DO UPDATE SET entry_value = excluded.entry_value, updated_at = excluded.updated_at"
	insertIndexEntryStmt = "INSERT INTO index_entries (index_oid, entry_key, entry_value, updated_at) VALUES(?, ?, ?, ?) ON CONFLICT (index_oid, entry_key) DO NOTHING"
	deleteIndexEntryStmt = "DELETE FROM index_entries WHERE index_oid = ? AND entry_key = ?"
	listIndexEntriesStmt = "SELECT entry_key, entry_value FROM index_entries WHERE index_oid = ? AND entry_key > ?"
)

// Executor stores object blocks and index entries in a sqlite or postgres
// database. Every op runs in its own transaction.
type Executor struct {
	db database.Database
}

// Compile-time check to ensure Executor implements backend.Executor
var _ backend.Executor = (*Executor)(nil)

func New(db database.Database) *Executor {
	return &Executor{db: db}
}

func (e *Executor) stmt(query string) string {
	return database.Rebind(e.db.Dialect(), query)
}

func (e *Executor) Execute(ctx context.Context, op *backend.Op) backend.Result {
	readOnly := op.Kind == backend.OpReadObject || op.Kind == backend.OpIndexGet || op.Kind == backend.OpIndexList
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return failed(op, err)
	}
	var result backend.Result
	switch op.Kind {
	case backend.OpCreateObject:
		result, err = e.createObject(ctx, tx, op)
	case backend.OpWriteObject:
		result, err = e.writeObject(ctx, tx, op)
	case backend.OpReadObject:
		result, err = e.readObject(ctx, tx, op)
	case backend.OpDeleteObject:
		result, err = e.deleteObject(ctx, tx, op)
	case backend.OpIndexGet:
		result, err = e.indexGet(ctx, tx, op)
	case backend.OpIndexPut:
		result, err = e.indexPut(ctx, tx, op)
	case backend.OpIndexDelete:
		result, err = e.indexDelete(ctx, tx, op)
	case backend.OpIndexList:
		result, err = e.indexList(ctx, tx, op)
	default:
		tx.Rollback()
		return backend.Failed(op, backend.RCNotSupported, "unsupported op "+op.Kind.String())
	}
	if err != nil {
		tx.Rollback()
		return failed(op, err)
	}
	if readOnly {
		tx.Rollback()
		return result
	}
	if err := tx.Commit(); err != nil {
		return failed(op, err)
	}
	return result
}

func (e *Executor) objectExists(ctx context.Context, tx *sql.Tx, op *backend.Op) (bool, error) {
	var layoutId int
	err := tx.QueryRowContext(ctx, e.stmt(selectObjectLayoutStmt), op.Object.String()).Scan(&layoutId)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (e *Executor) createObject(ctx context.Context, tx *sql.Tx, op *backend.Op) (backend.Result, error) {
	_, err := tx.ExecContext(ctx, e.stmt(insertObjectStmt), op.Object.String(), op.LayoutId, time.Now().UTC())
	if err != nil {
		return backend.Result{}, err
	}
	return backend.Result{RC: backend.RCSuccess}, nil
}

func (e *Executor) writeObject(ctx context.Context, tx *sql.Tx, op *backend.Op) (backend.Result, error) {
	exists, err := e.objectExists(ctx, tx, op)
	if err != nil {
		return backend.Result{}, err
	}
	if !exists {
		return backend.Result{RC: backend.RCNotFound}, nil
	}
	_, err = tx.ExecContext(ctx, e.stmt(upsertObjectBlockStmt), op.Object.String(), op.Offset, op.Data)
	if err != nil {
		return backend.Result{}, err
	}
	return backend.Result{RC: backend.RCSuccess}, nil
}

func (e *Executor) readObject(ctx context.Context, tx *sql.Tx, op *backend.Op) (backend.Result, error) {
	exists, err := e.objectExists(ctx, tx, op)
	if err != nil {
		return backend.Result{}, err
	}
	if !exists {
		return backend.Result{RC: backend.RCNotFound}, nil
	}
	end := op.Offset + op.Length
	rows, err := tx.QueryContext(ctx, e.stmt(selectObjectBlocksStmt), op.Object.String(), end, op.Offset)
	if err != nil {
		return backend.Result{}, err
	}
	defer rows.Close()
	buffer := make([]byte, op.Length)
	var dataEnd int64 = 0
	for rows.Next() {
		var blockOffset int64
		var data []byte
		if err := rows.Scan(&blockOffset, &data); err != nil {
			return backend.Result{}, err
		}
		from := max(blockOffset, op.Offset)
		to := min(blockOffset+int64(len(data)), end)
		copy(buffer[from-op.Offset:to-op.Offset], data[from-blockOffset:to-blockOffset])
		dataEnd = max(dataEnd, to-op.Offset)
	}
	if err := rows.Err(); err != nil {
		return backend.Result{}, err
	}
	return backend.Result{RC: backend.RCSuccess, Data: buffer[:dataEnd]}, nil
}

func (e *Executor) deleteObject(ctx context.Context, tx *sql.Tx, op *backend.Op) (backend.Result, error) {
	_, err := tx.ExecContext(ctx, e.stmt(deleteObjectBlocksStmt), op.Object.String())
	if err != nil {
		return backend.Result{}, err
	}
	res, err := tx.ExecContext(ctx, e.stmt(deleteObjectStmt), op.Object.String())
	if err != nil {
		return backend.Result{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return backend.Result{}, err
	}
	if affected == 0 {
		return backend.Result{RC: backend.RCNotFound}, nil
	}
	return backend.Result{RC: backend.RCSuccess}, nil
}

func (e *Executor) indexGet(ctx context.Context, tx *sql.Tx, op *backend.Op) (backend.Result, error) {
	keyRCs := make([]backend.ReturnCode, len(op.Keys))
	values := make([][]byte, len(op.Keys))
	for i, key := range op.Keys {
		var value []byte
		err := tx.QueryRowContext(ctx, e.stmt(selectIndexEntryStmt), op.Index.String(), key).Scan(&value)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return backend.Result{}, err
		}
		keyRCs[i] = returnCodeOf(err)
		values[i] = value
	}
	result := backend.KeyResult(keyRCs)
	result.Values = values
	return result, nil
}

func (e *Executor) indexPut(ctx context.Context, tx *sql.Tx, op *backend.Op) (backend.Result, error) {
	if len(op.Keys) != len(op.Values) {
		return backend.Failed(op, backend.RCInvalid, "keys and values differ in length"), nil
	}
	now := time.Now().UTC()
	keyRCs := make([]backend.ReturnCode, len(op.Keys))
	stmt := upsertIndexEntryStmt
	if op.IfAbsent {
		stmt = insertIndexEntryStmt
	}
	for i, key := range op.Keys {
		res, err := tx.ExecContext(ctx, e.stmt(stmt), op.Index.String(), key, op.Values[i], now)
		if err != nil {
			return backend.Result{}, err
		}
		if !op.IfAbsent {
			continue
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return backend.Result{}, err
		}
		if inserted == 0 {
			keyRCs[i] = backend.RCExists
		}
	}
	return backend.KeyResult(keyRCs), nil
}

func (e *Executor) indexDelete(ctx context.Context, tx *sql.Tx, op *backend.Op) (backend.Result, error) {
	keyRCs := make([]backend.ReturnCode, len(op.Keys))
	for i, key := range op.Keys {
		res, err := tx.ExecContext(ctx, e.stmt(deleteIndexEntryStmt), op.Index.String(), key)
		if err != nil {
			return backend.Result{}, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return backend.Result{}, err
		}
		if affected == 0 {
			keyRCs[i] = backend.RCNotFound
		}
	}
	return backend.KeyResult(keyRCs), nil
}

func (e *Executor) indexList(ctx context.Context, tx *sql.Tx, op *backend.Op) (backend.Result, error) {
	query := listIndexEntriesStmt
	args := []any{op.Index.String(), op.StartAfter}
	if op.Prefix != "" {
		query += " AND substr(entry_key, 1, ?) = ?"
		args = append(args, len(op.Prefix), op.Prefix)
	}
	query += " ORDER BY entry_key"
	if op.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, op.Limit)
	}
	rows, err := tx.QueryContext(ctx, e.stmt(query), args...)
	if err != nil {
		return backend.Result{}, err
	}
	defer rows.Close()
	result := backend.Result{RC: backend.RCSuccess, Keys: []string{}, Values: [][]byte{}}
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return backend.Result{}, err
		}
		result.Keys = append(result.Keys, key)
		result.Values = append(result.Values, value)
	}
	if err := rows.Err(); err != nil {
		return backend.Result{}, err
	}
	return result, nil
}
