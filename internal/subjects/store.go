// Package subjects is the job-subject store: the state machine of the
// entity a job processes (queued, processing, failed, finished, error) and
// the owner used to address status events.
package subjects

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ChuLiYu/statuscast/pkg/types"
)

var ErrNotFound = errors.New("subjects: subject not found")

// Subject is one row of the store.
type Subject struct {
	ID        string
	OwnerID   string
	State     types.SubjectState
	LastError string
	UpdatedAt time.Time
}

// Store is what the queue needs from the subject store.
type Store interface {
	MarkQueued(ctx context.Context, id string) error
	MarkProcessing(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
	// FinalizeSuccess moves the subject to finished. It reports false when
	// the subject was already finished.
	FinalizeSuccess(ctx context.Context, id string) (bool, error)
	// FallbackMarkError writes the terminal error state directly.
	FallbackMarkError(ctx context.Context, id, reason string) error
	OwnerOf(ctx context.Context, id string) (string, error)
}

// Config selects the database.
type Config struct {
	Driver string `yaml:"driver" mapstructure:"driver"` // "sqlite3" or "mysql"
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects and creates the schema if needed.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	dsn := cfg.DSN
	switch cfg.Driver {
	case "sqlite3", "sqlite", "":
		cfg.Driver = "sqlite3"
		if err := ensureSQLiteDir(dsn); err != nil {
			return nil, err
		}
	case "mysql":
		if dsn == "" {
			return nil, errors.New("subjects: mysql dsn is required")
		}
		// RowsAffected must count matched rows, not changed ones.
		for _, param := range []string{"parseTime=true", "clientFoundRows=true"} {
			key := param[:strings.IndexByte(param, '=')]
			if strings.Contains(dsn, key) {
				continue
			}
			if strings.Contains(dsn, "?") {
				dsn += "&" + param
			} else {
				dsn += "?" + param
			}
		}
	default:
		return nil, fmt.Errorf("subjects: unknown driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("subjects: open %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == "sqlite3" {
		db.SetMaxOpenConns(1) // single writer
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}

	s := &SQLStore{db: db, driver: cfg.Driver, now: time.Now}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("subjects: ping %s: %w", cfg.Driver, err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func ensureSQLiteDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("subjects: create database dir: %w", err)
	}
	return nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS job_subjects (
		id         TEXT    NOT NULL PRIMARY KEY,
		owner_id   TEXT    NOT NULL,
		state      TEXT    NOT NULL,
		last_error TEXT    NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	)`
	if s.driver == "mysql" {
		ddl = `CREATE TABLE IF NOT EXISTS job_subjects (
			id         VARCHAR(191) NOT NULL PRIMARY KEY,
			owner_id   VARCHAR(191) NOT NULL,
			state      VARCHAR(32)  NOT NULL,
			last_error TEXT         NOT NULL,
			updated_at BIGINT       NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("subjects: create table: %w", err)
	}
	return nil
}

func (s *SQLStore) Driver() string { return s.driver }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

// Create inserts a new subject in state queued.
func (s *SQLStore) Create(ctx context.Context, id, ownerID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_subjects (id, owner_id, state, last_error, updated_at) VALUES (?, ?, ?, '', ?)`,
		id, ownerID, string(types.SubjectQueued), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("subjects: create %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Subject, error) {
	var (
		sub     Subject
		state   string
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, state, last_error, updated_at FROM job_subjects WHERE id = ?`, id,
	).Scan(&sub.ID, &sub.OwnerID, &state, &sub.LastError, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Subject{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Subject{}, fmt.Errorf("subjects: get %s: %w", id, err)
	}
	sub.State = types.SubjectState(state)
	sub.UpdatedAt = time.UnixMilli(updated)
	return sub, nil
}

// MarkQueued is an explicit request to (re)process, so it may leave a
// terminal state.
func (s *SQLStore) MarkQueued(ctx context.Context, id string) error {
	_, err := s.update(ctx, id, types.SubjectQueued, "", nil)
	return err
}

// MarkProcessing never leaves a terminal state.
func (s *SQLStore) MarkProcessing(ctx context.Context, id string) error {
	_, err := s.update(ctx, id, types.SubjectProcessing, "", terminalStates)
	return err
}

// MarkFailed records a retryable failure. It never leaves a terminal state.
func (s *SQLStore) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := s.update(ctx, id, types.SubjectFailed, reason, terminalStates)
	return err
}

func (s *SQLStore) FinalizeSuccess(ctx context.Context, id string) (bool, error) {
	return s.update(ctx, id, types.SubjectFinished, "", []types.SubjectState{types.SubjectFinished})
}

// FallbackMarkError only refuses to overwrite finished.
func (s *SQLStore) FallbackMarkError(ctx context.Context, id, reason string) error {
	changed, err := s.update(ctx, id, types.SubjectError, reason, []types.SubjectState{types.SubjectFinished})
	if err == nil && !changed {
		slog.Default().Warn("fallback error write skipped, subject already finished", "subjectID", id)
	}
	return err
}

func (s *SQLStore) OwnerOf(ctx context.Context, id string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM job_subjects WHERE id = ?`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("subjects: owner of %s: %w", id, err)
	}
	return owner, nil
}

var terminalStates = []types.SubjectState{types.SubjectFinished, types.SubjectError}

// update writes state unless the current state is in keep. It reports
// whether a row changed; a missing subject is ErrNotFound.
func (s *SQLStore) update(ctx context.Context, id string, state types.SubjectState, reason string, keep []types.SubjectState) (bool, error) {
	query := `UPDATE job_subjects SET state = ?, last_error = ?, updated_at = ? WHERE id = ?`
	args := []any{string(state), reason, s.now().UnixMilli(), id}
	if len(keep) > 0 {
		query += ` AND state NOT IN (?` + strings.Repeat(", ?", len(keep)-1) + `)`
		for _, k := range keep {
			args = append(args, string(k))
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("subjects: set %s to %s: %w", id, state, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("subjects: set %s to %s: %w", id, state, err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

var _ Store = (*SQLStore)(nil)
