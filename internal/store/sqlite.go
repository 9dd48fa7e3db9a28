package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/relay/internal/domain"
)

// DefaultSQLiteDSN keeps session state memory-resident.
const DefaultSQLiteDSN = ":memory:"

// SQLiteStore implements SessionStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: in-memory databases are per-connection, and Update
	// relies on the transaction being the only writer.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL UNIQUE,
			access_token TEXT NOT NULL DEFAULT '',
			last_event_id TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			case_id TEXT,
			case_number TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const selectSession = `SELECT session_id, access_token, last_event_id, conversation_id, case_id, case_number, created_at FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var caseID, caseNumber sql.NullString
	err := row.Scan(&session.SessionID, &session.AccessToken, &session.LastEventID,
		&session.ConversationID, &caseID, &caseNumber, &session.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if caseID.Valid || caseNumber.Valid {
		session.Case = &domain.CaseBinding{CaseID: caseID.String, CaseNumber: caseNumber.String}
	}
	return &session, nil
}

func getSession(ctx context.Context, q rowQuerier, sessionID string) (*domain.Session, error) {
	return scanSession(q.QueryRowContext(ctx, selectSession+` WHERE session_id = ?`, sessionID))
}

func upsertSession(ctx context.Context, e execer, session *domain.Session) error {
	var caseID, caseNumber sql.NullString
	if session.Case != nil {
		caseID = sql.NullString{String: session.Case.CaseID, Valid: true}
		caseNumber = sql.NullString{String: session.Case.CaseNumber, Valid: true}
	}
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := e.ExecContext(ctx,
		`INSERT INTO sessions (session_id, access_token, last_event_id, conversation_id, case_id, case_number, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			access_token = excluded.access_token,
			last_event_id = excluded.last_event_id,
			conversation_id = excluded.conversation_id,
			case_id = excluded.case_id,
			case_number = excluded.case_number`,
		session.SessionID, session.AccessToken, session.LastEventID, session.ConversationID,
		caseID, caseNumber, createdAt)
	return err
}

// Get retrieves a session by ID.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	return getSession(ctx, s.db, sessionID)
}

// Set creates or replaces a session.
func (s *SQLiteStore) Set(ctx context.Context, session *domain.Session) error {
	if session == nil || session.SessionID == "" {
		return domain.ErrSessionNotFound
	}
	return upsertSession(ctx, s.db, session)
}

// Delete removes a session.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Update reads, mutates and writes a session inside one transaction.
func (s *SQLiteStore) Update(ctx context.Context, sessionID string, fn UpdateFunc) (*domain.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	session, err := getSession(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := fn(session); err != nil {
		return nil, err
	}
	session.SessionID = sessionID
	if err := upsertSession(ctx, tx, session); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session update: %w", err)
	}
	return session, nil
}

// MostRecent returns the most recently created session.
func (s *SQLiteStore) MostRecent(ctx context.Context) (*domain.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, selectSession+` ORDER BY seq DESC LIMIT 1`))
}

// List returns all sessions in creation order.
func (s *SQLiteStore) List(ctx context.Context) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, selectSession+` ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}
