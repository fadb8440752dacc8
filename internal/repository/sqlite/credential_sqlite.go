package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
	"github.com/SimpnicServerTeam/scs-pggate/internal/repository"
	"github.com/SimpnicServerTeam/scs-pggate/internal/scram"
)

const schema = `
CREATE TABLE IF NOT EXISTS pggate_users (
	name            TEXT NOT NULL,
	database_name   TEXT NOT NULL,
	password        TEXT NOT NULL,
	server_user     TEXT NOT NULL DEFAULT '',
	server_password TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (name, database_name)
);`

// SQLiteCredentialStore implements repository.CredentialStore over a local
// SQLite database, for deployments that manage users through the admin API
// instead of a hand-edited file. Lookups are served from an in-memory
// snapshot; writes go to the database and then refresh the snapshot.
type SQLiteCredentialStore struct {
	db         *sql.DB
	iterations int
	snap       atomic.Pointer[snapshot]
}

type snapshot struct {
	entries map[models.CredentialKey]*models.UserCredential
}

// NewSQLiteCredentialStore opens (creating if needed) the database at dsn
// and loads the initial snapshot.
func NewSQLiteCredentialStore(dsn string) (*SQLiteCredentialStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create credential schema: %w", err)
	}

	s := &SQLiteCredentialStore{db: db, iterations: scram.DefaultIterations}
	if _, err := s.Reload(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Resolve looks the pair up in the current snapshot.
func (s *SQLiteCredentialStore) Resolve(_ context.Context, name, database string) (*models.UserCredential, error) {
	snap := s.snap.Load()
	cred, ok := snap.entries[models.CredentialKey{Name: name, Database: database}]
	if !ok {
		return nil, repository.ErrCredentialNotFound
	}
	return cred, nil
}

// Entries returns every credential of the current snapshot.
func (s *SQLiteCredentialStore) Entries() []*models.UserCredential {
	snap := s.snap.Load()
	out := make([]*models.UserCredential, 0, len(snap.entries))
	for _, cred := range snap.entries {
		out = append(out, cred)
	}
	return out
}

// Reload re-reads the users table and swaps the snapshot.
func (s *SQLiteCredentialStore) Reload(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, database_name, password, server_user, server_password FROM pggate_users")
	if err != nil {
		return 0, fmt.Errorf("failed to query credential rows: %w", err)
	}
	defer rows.Close()

	entries := make(map[models.CredentialKey]*models.UserCredential)
	for rows.Next() {
		var name, database, password, serverUser, serverPassword string
		if err := rows.Scan(&name, &database, &password, &serverUser, &serverPassword); err != nil {
			return 0, fmt.Errorf("failed to scan credential row: %w", err)
		}
		cred, err := repository.BuildLocalCredential(name, database, password, serverUser, serverPassword, s.iterations)
		if err != nil {
			return 0, err
		}
		entries[cred.Key()] = cred
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read credential rows: %w", err)
	}

	s.snap.Store(&snapshot{entries: entries})
	return len(entries), nil
}

// UpsertUser inserts or replaces one credential row and refreshes the
// snapshot. The secret is validated by building the credential first, so a
// malformed verifier never reaches the table.
func (s *SQLiteCredentialStore) UpsertUser(ctx context.Context, name, database, secret, serverUser, serverPassword string) error {
	if _, err := repository.BuildLocalCredential(name, database, secret, serverUser, serverPassword, s.iterations); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pggate_users (name, database_name, password, server_user, server_password)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (name, database_name) DO UPDATE SET
		   password = excluded.password,
		   server_user = excluded.server_user,
		   server_password = excluded.server_password`,
		name, database, secret, serverUser, serverPassword)
	if err != nil {
		return fmt.Errorf("failed to upsert credential %s/%s: %w", name, database, err)
	}
	_, err = s.Reload(ctx)
	return err
}

// DeleteUser removes one credential row and refreshes the snapshot.
// It returns ErrCredentialNotFound if no row matched.
func (s *SQLiteCredentialStore) DeleteUser(ctx context.Context, name, database string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM pggate_users WHERE name = ? AND database_name = ?", name, database)
	if err != nil {
		return fmt.Errorf("failed to delete credential %s/%s: %w", name, database, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return repository.ErrCredentialNotFound
	}
	_, err = s.Reload(ctx)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteCredentialStore) Close() error {
	return s.db.Close()
}

var _ repository.CredentialStore = (*SQLiteCredentialStore)(nil)
