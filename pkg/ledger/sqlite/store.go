// Package sqlite implements the ledger store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/lokisec/loki/pkg/ledger"
	"github.com/lokisec/loki/pkg/mischief"
	"github.com/lokisec/loki/pkg/session"
)

// Store is a SQLite-backed ledger.Store. A single write connection
// serialises entry inserts, which preserves per-session insertion order even
// under concurrent writers from different requests.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// New opens (creating if necessary) the database at path and applies any
// pending migrations. Use ":memory:" for an ephemeral store in tests.
func New(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// modernc/sqlite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY and keeps the insert sequence total.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession upserts a session record.
func (s *Store) SaveSession(ctx context.Context, rec session.Record) error {
	mischiefJSON, err := json.Marshal(rec.Mischief)
	if err != nil {
		return fmt.Errorf("encoding mischief list: %w", err)
	}
	queueJSON, err := json.Marshal(rec.ShuffleQueue)
	if err != nil {
		return fmt.Errorf("encoding shuffle queue: %w", err)
	}
	configJSON, err := json.Marshal(rec.PluginConfig)
	if err != nil {
		return fmt.Errorf("encoding plugin config: %w", err)
	}

	var endedAt any
	if rec.EndedAt != nil {
		endedAt = rec.EndedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, name, mode, mischief, probability, shuffle_queue,
			plugin_config, started_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			mode = excluded.mode,
			mischief = excluded.mischief,
			probability = excluded.probability,
			shuffle_queue = excluded.shuffle_queue,
			plugin_config = excluded.plugin_config,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at`,
		rec.ID,
		rec.Name,
		string(rec.Mode),
		string(mischiefJSON),
		rec.Probability,
		string(queueJSON),
		string(configJSON),
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		endedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

const sessionColumns = `id, name, mode, mischief, probability, shuffle_queue,
	plugin_config, started_at, ended_at`

// LoadSession retrieves one session record.
func (s *Store) LoadSession(ctx context.Context, id string) (session.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Record{}, fmt.Errorf("%w: %s", ledger.ErrNotFound, id)
	}
	return rec, err
}

// LoadAllSessions returns sessions in descending start-time order.
func (s *Store) LoadAllSessions(ctx context.Context) ([]session.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Record
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and cascades to its entries in one
// transaction.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("deleting entries: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrNotFound, id)
	}

	return tx.Commit()
}

// PurgeAll removes every session and entry.
func (s *Store) PurgeAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("purging entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("purging sessions: %w", err)
	}
	return tx.Commit()
}

// SaveEntry appends one ledger entry.
func (s *Store) SaveEntry(ctx context.Context, entry ledger.Entry) error {
	evidenceJSON, err := json.Marshal(entry.Evidence)
	if err != nil {
		return fmt.Errorf("encoding evidence: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entries (
			id, session_id, request_id, timestamp,
			plugin_id, plugin_name, plugin_severity,
			spec_rfc, spec_oidc, spec_cwe, spec_requirement, spec_violation,
			evidence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.SessionID,
		entry.RequestID,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		entry.Plugin.ID,
		entry.Plugin.Name,
		string(entry.Plugin.Severity),
		entry.Spec.RFC,
		entry.Spec.OIDC,
		entry.Spec.CWE,
		entry.Spec.Requirement,
		entry.Spec.Violation,
		string(evidenceJSON),
	)
	if err != nil {
		return fmt.Errorf("inserting entry: %w", err)
	}
	return nil
}

// LoadEntries returns a session's entries in insertion order, which is also
// ascending timestamp order.
func (s *Store) LoadEntries(ctx context.Context, sessionID string) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, request_id, timestamp,
			plugin_id, plugin_name, plugin_severity,
			spec_rfc, spec_oidc, spec_cwe, spec_requirement, spec_violation,
			evidence
		FROM entries WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var (
			e            ledger.Entry
			ts, severity string
			evidenceJSON string
		)
		if err := rows.Scan(
			&e.ID, &e.SessionID, &e.RequestID, &ts,
			&e.Plugin.ID, &e.Plugin.Name, &severity,
			&e.Spec.RFC, &e.Spec.OIDC, &e.Spec.CWE,
			&e.Spec.Requirement, &e.Spec.Violation,
			&evidenceJSON,
		); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}

		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing entry timestamp: %w", err)
		}
		e.Plugin.Severity = mischief.Severity(severity)
		if err := json.Unmarshal([]byte(evidenceJSON), &e.Evidence); err != nil {
			return nil, fmt.Errorf("decoding evidence: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (session.Record, error) {
	var (
		rec                     session.Record
		mode                    string
		mischiefJSON, queueJSON string
		configJSON              sql.NullString
		startedAt               string
		endedAt                 sql.NullString
	)
	if err := row.Scan(
		&rec.ID, &rec.Name, &mode, &mischiefJSON, &rec.Probability,
		&queueJSON, &configJSON, &startedAt, &endedAt,
	); err != nil {
		return session.Record{}, err
	}

	rec.Mode = session.Mode(mode)
	if err := json.Unmarshal([]byte(mischiefJSON), &rec.Mischief); err != nil {
		return session.Record{}, fmt.Errorf("decoding mischief list: %w", err)
	}
	if queueJSON != "" {
		if err := json.Unmarshal([]byte(queueJSON), &rec.ShuffleQueue); err != nil {
			return session.Record{}, fmt.Errorf("decoding shuffle queue: %w", err)
		}
	}
	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &rec.PluginConfig); err != nil {
			return session.Record{}, fmt.Errorf("decoding plugin config: %w", err)
		}
	}

	var err error
	rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return session.Record{}, fmt.Errorf("parsing start time: %w", err)
	}
	if endedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return session.Record{}, fmt.Errorf("parsing end time: %w", err)
		}
		rec.EndedAt = &t
	}

	return rec, nil
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}
