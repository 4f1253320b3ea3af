// Package store persists users and request outcomes in Postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mohammad-safakhou/aide/internal/metrics"
)

type Store struct {
	DB *sql.DB
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// User operations

// ErrDuplicateEmail reports a signup against an already-registered
// address.
var ErrDuplicateEmail = fmt.Errorf("email already registered")

func (s *Store) CreateUser(ctx context.Context, email, hash string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO users (email, password_hash) VALUES ($1,$2) RETURNING id`,
		email, hash).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return "", ErrDuplicateEmail
		}
		return "", err
	}
	return id, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Outcome operations

// OutcomeRecord is one persisted chat request outcome.
type OutcomeRecord struct {
	ID               int64
	RequestID        string
	UserID           string
	SessionID        string
	Model            string
	UserQuestion     string
	DurationSeconds  float64
	InvokedTools     []string
	InvokedProviders []string
	Status           string
	ErrorMessage     string
	ToolErrors       []string
	CreatedAt        time.Time
}

func (s *Store) InsertOutcome(ctx context.Context, rec OutcomeRecord) error {
	_, err := s.DB.ExecContext(ctx, `
        INSERT INTO outcomes
            (request_id, user_id, session_id, model, user_question, duration_seconds,
             invoked_tools, invoked_providers, status, error_message, tool_errors, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.RequestID, nullable(rec.UserID), nullable(rec.SessionID), rec.Model,
		rec.UserQuestion, rec.DurationSeconds,
		pq.Array(rec.InvokedTools), pq.Array(rec.InvokedProviders),
		rec.Status, rec.ErrorMessage, pq.Array(rec.ToolErrors), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting outcome %s: %w", rec.RequestID, err)
	}
	return nil
}

// ListOutcomes returns a user's recent outcomes, newest first.
func (s *Store) ListOutcomes(ctx context.Context, userID string, limit int) ([]OutcomeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
        SELECT id, request_id, COALESCE(user_id::text,''), COALESCE(session_id,''),
               model, user_question, duration_seconds,
               invoked_tools, invoked_providers, status, error_message, tool_errors, created_at
        FROM outcomes
        WHERE user_id = $1
        ORDER BY created_at DESC
        LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing outcomes: %w", err)
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		var rec OutcomeRecord
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.UserID, &rec.SessionID,
			&rec.Model, &rec.UserQuestion, &rec.DurationSeconds,
			pq.Array(&rec.InvokedTools), pq.Array(&rec.InvokedProviders),
			&rec.Status, &rec.ErrorMessage, pq.Array(&rec.ToolErrors), &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning outcome: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneOutcomesBefore deletes outcomes older than cutoff and reports
// how many rows went away.
func (s *Store) PruneOutcomesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM outcomes WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning outcomes: %w", err)
	}
	return res.RowsAffected()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// AttachOutcomeOwner links a persisted outcome to the authenticated
// user and session after the request finishes. The engine emits records
// without knowing either.
func (s *Store) AttachOutcomeOwner(ctx context.Context, requestID, userID, sessionID string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE outcomes SET user_id = $2, session_id = $3 WHERE request_id = $1`,
		requestID, nullable(userID), nullable(sessionID))
	if err != nil {
		return fmt.Errorf("attaching outcome owner %s: %w", requestID, err)
	}
	return nil
}

// OutcomeSink adapts the Store to the metrics sink interface so request
// records land in Postgres alongside any file sink.
type OutcomeSink struct {
	Store *Store
}

func (s *OutcomeSink) Emit(ctx context.Context, record metrics.Record) error {
	return s.Store.InsertOutcome(ctx, OutcomeRecord{
		RequestID:        record.RequestID,
		Model:            record.Model,
		UserQuestion:     record.UserQuestion,
		DurationSeconds:  record.DurationSeconds,
		InvokedTools:     record.InvokedTools,
		InvokedProviders: record.InvokedProviders,
		Status:           record.Status,
		ErrorMessage:     record.ErrorMessage,
		ToolErrors:       record.ToolErrors,
		CreatedAt:        record.Timestamp,
	})
}
