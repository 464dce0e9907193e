package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/peterje/shepherd/internal/models"
)

// Store persists session metadata. It never sees terminal payload or
// credentials: models.Config carries neither.
type Store struct {
	db *sql.DB
}

func NewStore(database *sql.DB) *Store {
	return &Store{db: database}
}

const selectColumns = `SELECT id, name, kind, config, state, cause, fingerprint, created_at, last_active FROM sessions`

// SaveMetadata inserts or replaces the row for s.ID.
func (s *Store) SaveMetadata(ctx context.Context, sum models.Summary) error {
	cfg, err := json.Marshal(sum.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	fingerprint := ""
	if sum.Host != nil {
		fingerprint = sum.Host.Fingerprint
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sessions (id, name, kind, config, state, cause, fingerprint, created_at, last_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			config = excluded.config,
			state = excluded.state,
			cause = excluded.cause,
			fingerprint = excluded.fingerprint,
			last_active = excluded.last_active`,
		sum.ID, sum.Name, string(sum.Kind), string(cfg), string(sum.State), sum.Cause, fingerprint,
		formatTime(sum.CreatedAt), formatTime(sum.LastActive))
	if err != nil {
		return fmt.Errorf("save session %s: %w", sum.ID, err)
	}
	return nil
}

// ListPersisted returns every stored session, newest first.
func (s *Store) ListPersisted(ctx context.Context) ([]models.Summary, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []models.Summary{}
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (models.Summary, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	sum, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Summary{}, models.NotFound(id)
	}
	return sum, err
}

// Delete removes a stored session. Deleting a missing id is NotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.NotFound(id)
	}
	return nil
}

// MarkInterrupted stops every row a previous daemon left running or
// detached. It returns how many rows changed.
func (s *Store) MarkInterrupted(ctx context.Context, cause string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, cause = ? WHERE state IN (?, ?)`,
		string(models.StateStopped), cause, string(models.StateRunning), string(models.StateDetached))
	if err != nil {
		return 0, fmt.Errorf("mark interrupted sessions: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(sc scanner) (models.Summary, error) {
	var (
		sum                   models.Summary
		kind, state           string
		cfg, fingerprint      string
		createdAt, lastActive string
	)
	if err := sc.Scan(&sum.ID, &sum.Name, &kind, &cfg, &state, &sum.Cause, &fingerprint, &createdAt, &lastActive); err != nil {
		return models.Summary{}, err
	}
	sum.Kind = models.Kind(kind)
	sum.State = models.State(state)
	if err := json.Unmarshal([]byte(cfg), &sum.Config); err != nil {
		return models.Summary{}, fmt.Errorf("decode config of %s: %w", sum.ID, err)
	}
	if fingerprint != "" {
		sum.Host = &models.HostIdentity{Fingerprint: fingerprint}
	}
	sum.CreatedAt = parseTime(createdAt)
	sum.LastActive = parseTime(lastActive)
	return sum, nil
}

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
