// Package store is the account's local SQLite cache: chats, messages,
// participants, reactions, typing rows, the outbound queue and sync
// checkpoints.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrInvalidSyncTransition = errors.New("invalid sync status transition")
	ErrMessageNotFound       = errors.New("message not found")
)

type DB struct {
	*sqlx.DB
}

// pragmas are applied by the driver to every new connection.
var pragmas = url.Values{
	"_journal_mode": {"WAL"},
	"_busy_timeout": {"5000"},
	"_foreign_keys": {"on"},
	"_synchronous":  {"NORMAL"},
}

// Open connects to the cache file at path, creating it if needed. Call
// Migrate before use.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Connect("sqlite3", "file:"+path+"?"+pragmas.Encode())
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	return &DB{conn}, nil
}

func (db *DB) withTx(fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// nullString and nullInt store zero values as NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

// requireRow turns an UPDATE that touched nothing into ErrMessageNotFound.
func requireRow(res sql.Result) error {
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrMessageNotFound
	}
	return nil
}
