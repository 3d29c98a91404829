package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ruteri/mpc-vault/interfaces"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteVaultStore persists vault records in a local SQLite database.
type SQLiteVaultStore struct {
	db     *sql.DB
	dbPath string
}

// OpenSQLiteVaultStore opens (creating if needed) the database at dbPath.
func OpenSQLiteVaultStore(dbPath string) (*SQLiteVaultStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite handles concurrent writers poorly
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteVaultStore{db: db, dbPath: dbPath}, nil
}

func (s *SQLiteVaultStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteVaultStore) DBPath() string {
	return s.dbPath
}

// Get loads a vault record.
func (s *SQLiteVaultStore) Get(ctx context.Context, id interfaces.VaultID) (*interfaces.Vault, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM vaults WHERE id = ?`,
		string(id)).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrVaultNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query vault %s: %w", id, err)
	}

	return DecodeVault(record)
}

// Put inserts or replaces a vault record.
func (s *SQLiteVaultStore) Put(ctx context.Context, v *interfaces.Vault) error {
	record, err := EncodeVault(v)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vaults (id, owner, state, record, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   state = excluded.state,
		   record = excluded.record,
		   updated_at = excluded.updated_at`,
		string(v.ID), v.Owner.String(), int(v.State), record, now, now)
	if err != nil {
		return fmt.Errorf("store vault %s: %w", v.ID, err)
	}
	return nil
}

// List returns all vault ids in creation order.
func (s *SQLiteVaultStore) List(ctx context.Context) ([]interfaces.VaultID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM vaults ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []interfaces.VaultID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, interfaces.VaultID(id))
	}
	return ids, rows.Err()
}
