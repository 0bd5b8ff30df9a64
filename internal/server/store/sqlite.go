package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"deepatlas.gg/internal/marks"
)

// SQLiteStore is the durable relational store behind the territory
// cache: accounts, locations, and append-only seen-audit rows.
type SQLiteStore struct {
	db *sql.DB
}

func Open(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serializes writers; one connection avoids
	// SQLITE_BUSY churn under concurrent uploads.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func initPragmas(db *sql.DB) error {
	// WAL keeps downloads readable while an upload batch commits.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

// migrations are forward-only and idempotent: each step runs at most
// once, recorded in schema_migrations. Never edit a shipped step; append
// a new one.
var migrations = []string{
	// 1: initial schema.
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		key_hash TEXT NOT NULL UNIQUE,
		partial_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		created_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS locations (
		id TEXT PRIMARY KEY,
		territory_type INTEGER NOT NULL,
		kind INTEGER NOT NULL,
		x REAL NOT NULL,
		y REAL NOT NULL,
		z REAL NOT NULL,
		kx INTEGER NOT NULL,
		ky INTEGER NOT NULL,
		kz INTEGER NOT NULL,
		account_id TEXT,
		created_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_locations_identity
		ON locations(territory_type, kind, kx, ky, kz);
	CREATE INDEX IF NOT EXISTS idx_locations_territory
		ON locations(territory_type);
	CREATE TABLE IF NOT EXISTS seen_locations (
		account_id TEXT NOT NULL,
		location_id TEXT NOT NULL,
		first_seen_at TEXT NOT NULL,
		PRIMARY KEY (account_id, location_id)
	);`,
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	);`); err != nil {
		return err
	}
	var current int
	err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current)
	if err != nil {
		return err
	}
	for i := current; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			i+1, time.Now().UTC().Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// GetOrCreateAccount resolves an account by credential hash, creating it
// on first sight. Safe to call repeatedly with the same hash.
func (s *SQLiteStore) GetOrCreateAccount(ctx context.Context, keyHash string) (Account, error) {
	var a Account
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, key_hash, partial_id, created_at, created_count FROM accounts WHERE key_hash = ?`,
		keyHash).Scan(&a.ID, &a.KeyHash, &a.PartialID, &created, &a.CreatedCount)
	switch {
	case err == nil:
		a.CreatedAt, _ = time.Parse(time.RFC3339, created)
		return a, nil
	case errors.Is(err, sql.ErrNoRows):
		// Fall through to insert.
	default:
		return Account{}, err
	}

	a = Account{
		ID:        uuid.NewString(),
		KeyHash:   keyHash,
		CreatedAt: time.Now().UTC(),
	}
	a.PartialID = marks.PartialIDOf(a.ID)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, key_hash, partial_id, created_at, created_count) VALUES (?, ?, ?, ?, 0)
		 ON CONFLICT(key_hash) DO NOTHING`,
		a.ID, a.KeyHash, a.PartialID, a.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return Account{}, err
	}
	// Re-read: a concurrent register may have won the insert.
	err = s.db.QueryRowContext(ctx,
		`SELECT id, key_hash, partial_id, created_at, created_count FROM accounts WHERE key_hash = ?`,
		keyHash).Scan(&a.ID, &a.KeyHash, &a.PartialID, &created, &a.CreatedCount)
	if err != nil {
		return Account{}, err
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return a, nil
}

// GetAccount looks up an account by id; sql.ErrNoRows when absent.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (Account, error) {
	var a Account
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, key_hash, partial_id, created_at, created_count FROM accounts WHERE id = ?`,
		id).Scan(&a.ID, &a.KeyHash, &a.PartialID, &created, &a.CreatedCount)
	if err != nil {
		return Account{}, err
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return a, nil
}

// LocationsByTerritory loads the full persisted set for one territory.
func (s *SQLiteStore) LocationsByTerritory(ctx context.Context, territoryType uint16) ([]Location, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, territory_type, kind, x, y, z, account_id, created_at
		 FROM locations WHERE territory_type = ? ORDER BY created_at, id`,
		territoryType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Location
	for rows.Next() {
		var l Location
		var id, created string
		var acct sql.NullString
		var kind int
		if err := rows.Scan(&id, &l.TerritoryType, &kind, &l.X, &l.Y, &l.Z, &acct, &created); err != nil {
			return nil, err
		}
		l.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("location id %q: %w", id, err)
		}
		l.Kind = marks.Kind(kind)
		l.AccountID = acct.String
		l.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, l)
	}
	return out, rows.Err()
}

// InsertLocations persists a deduplicated upload batch transactionally:
// either every location lands or none do, so the in-memory cache and the
// store never disagree about which ids exist. Also bumps the uploading
// account's created_count for abuse bookkeeping.
func (s *SQLiteStore) InsertLocations(ctx context.Context, locs []Location) error {
	if len(locs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO locations (id, territory_type, kind, x, y, z, kx, ky, kz, account_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	perAccount := map[string]int64{}
	for i := range locs {
		l := &locs[i]
		key := l.Key()
		var acct any
		if l.AccountID != "" {
			acct = l.AccountID
			perAccount[l.AccountID]++
		}
		if _, err := stmt.ExecContext(ctx,
			l.ID.String(), l.TerritoryType, int(l.Kind), l.X, l.Y, l.Z,
			key.X, key.Y, key.Z, acct, l.CreatedAt.UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}
	for acct, n := range perAccount {
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET created_count = created_count + ? WHERE id = ?`, n, acct); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// InsertSeen records seen-audit rows for (account, location) pairs not
// yet present. Append-only; duplicate pairs are ignored, which makes
// MarkObjectsSeen idempotent.
func (s *SQLiteStore) InsertSeen(ctx context.Context, accountID string, locationIDs []uuid.UUID) error {
	if len(locationIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO seen_locations (account_id, location_id, first_seen_at) VALUES (?, ?, ?)
		 ON CONFLICT(account_id, location_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range locationIDs {
		if _, err := stmt.ExecContext(ctx, accountID, id.String(), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SeenLocationIDs lists location ids the account has already recorded
// seen, restricted to the given candidates.
func (s *SQLiteStore) SeenLocationIDs(ctx context.Context, accountID string, candidates []uuid.UUID) (map[uuid.UUID]bool, error) {
	out := make(map[uuid.UUID]bool, len(candidates))
	// Candidate batches are small (one floor's markers); query per id
	// keeps this free of dynamic SQL.
	stmt, err := s.db.PrepareContext(ctx,
		`SELECT 1 FROM seen_locations WHERE account_id = ? AND location_id = ?`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	for _, id := range candidates {
		var one int
		err := stmt.QueryRowContext(ctx, accountID, id.String()).Scan(&one)
		switch {
		case err == nil:
			out[id] = true
		case errors.Is(err, sql.ErrNoRows):
		default:
			return nil, err
		}
	}
	return out, nil
}

// SeenCount returns the number of seen-audit rows for one location.
func (s *SQLiteStore) SeenCount(ctx context.Context, locationID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM seen_locations WHERE location_id = ?`, locationID.String()).Scan(&n)
	return n, err
}

// SeenPartialIDs returns, per location id, the partial account ids that
// have recorded seeing it. Used to annotate downloads.
func (s *SQLiteStore) SeenPartialIDs(ctx context.Context, territoryType uint16) (map[uuid.UUID][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sl.location_id, a.partial_id
		 FROM seen_locations sl
		 JOIN accounts a ON a.id = sl.account_id
		 JOIN locations l ON l.id = sl.location_id
		 WHERE l.territory_type = ?
		 ORDER BY sl.first_seen_at`,
		territoryType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[uuid.UUID][]string{}
	for rows.Next() {
		var locID, partial string
		if err := rows.Scan(&locID, &partial); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(locID)
		if err != nil {
			continue
		}
		out[id] = append(out[id], partial)
	}
	return out, rows.Err()
}
