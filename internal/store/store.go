package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Driver selects the SQL backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"

// Store persists exam content, attempts, responses, progress and subscriptions.
type Store struct {
	db     *sql.DB
	driver Driver
}

// New opens the database for the given driver and ensures the schema exists.
// For sqlite, dsn is a file path or ":memory:".
func New(ctx context.Context, driver Driver, dsn string) (*Store, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite"
		if dsn == "" {
			dsn = "tefprep.db"
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?" + sqlitePragmas
		}
	case DriverPostgres:
		drvName = "pgx"
		if dsn == "" {
			dsn = "postgres://localhost:5432/tefprep?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite && strings.HasPrefix(dsn, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := schemaSQLite
	if s.driver == DriverPostgres {
		schema = schemaPostgres
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// forUpdate returns the row-locking suffix for SELECTs inside a transaction.
// SQLite transactions are opened IMMEDIATE instead.
func (s *Store) forUpdate() string {
	if s.driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) && sqErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func unix(t time.Time) int64 { return t.Unix() }

func fromUnix(v int64) time.Time { return time.Unix(v, 0).UTC() }

func fromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'student',
	plan TEXT NOT NULL DEFAULT 'free',
	plan_expires_at INTEGER,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS exams (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT 'daily_practice',
	module TEXT NOT NULL DEFAULT '',
	required_plan TEXT NOT NULL DEFAULT 'free',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS exam_sections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	exam_id INTEGER NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	type TEXT NOT NULL,
	timer_minutes INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS questions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	section_id INTEGER NOT NULL REFERENCES exam_sections(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	type TEXT NOT NULL,
	prompt TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS answer_options (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	question_id INTEGER NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
	letter TEXT NOT NULL,
	text TEXT NOT NULL,
	is_correct INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS exam_attempts (
	id TEXT PRIMARY KEY,
	student_id TEXT NOT NULL,
	exam_id INTEGER NOT NULL REFERENCES exams(id),
	status TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER,
	ip_address TEXT NOT NULL DEFAULT 'unknown',
	total_score INTEGER,
	level TEXT,
	correct_answers INTEGER NOT NULL DEFAULT 0,
	total_questions INTEGER NOT NULL DEFAULT 0,
	essay_pending INTEGER NOT NULL DEFAULT 0,
	progress_recorded INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS exam_attempts_one_in_progress
	ON exam_attempts (student_id, exam_id) WHERE status = 'in_progress';

CREATE TABLE IF NOT EXISTS student_responses (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	attempt_id TEXT NOT NULL REFERENCES exam_attempts(id) ON DELETE CASCADE,
	student_id TEXT NOT NULL,
	section_id INTEGER NOT NULL,
	question_id INTEGER NOT NULL REFERENCES questions(id),
	selected_option_id INTEGER REFERENCES answer_options(id),
	text_response TEXT,
	ai_score INTEGER,
	ai_feedback TEXT,
	updated_at INTEGER NOT NULL,
	UNIQUE (attempt_id, question_id)
);

CREATE TABLE IF NOT EXISTS progress (
	student_id TEXT PRIMARY KEY,
	streak_count INTEGER NOT NULL DEFAULT 0,
	day_completed INTEGER NOT NULL DEFAULT 0,
	xp_points INTEGER NOT NULL DEFAULT 0,
	tasks_completed_today TEXT NOT NULL DEFAULT '[]',
	last_login INTEGER,
	version INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'student',
	plan TEXT NOT NULL DEFAULT 'free',
	plan_expires_at BIGINT,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS exams (
	id BIGSERIAL PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT 'daily_practice',
	module TEXT NOT NULL DEFAULT '',
	required_plan TEXT NOT NULL DEFAULT 'free',
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS exam_sections (
	id BIGSERIAL PRIMARY KEY,
	exam_id BIGINT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	type TEXT NOT NULL,
	timer_minutes INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS questions (
	id BIGSERIAL PRIMARY KEY,
	section_id BIGINT NOT NULL REFERENCES exam_sections(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	type TEXT NOT NULL,
	prompt TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS answer_options (
	id BIGSERIAL PRIMARY KEY,
	question_id BIGINT NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
	letter TEXT NOT NULL,
	text TEXT NOT NULL,
	is_correct BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS exam_attempts (
	id TEXT PRIMARY KEY,
	student_id TEXT NOT NULL,
	exam_id BIGINT NOT NULL REFERENCES exams(id),
	status TEXT NOT NULL,
	started_at BIGINT NOT NULL,
	ended_at BIGINT,
	ip_address TEXT NOT NULL DEFAULT 'unknown',
	total_score INTEGER,
	level TEXT,
	correct_answers INTEGER NOT NULL DEFAULT 0,
	total_questions INTEGER NOT NULL DEFAULT 0,
	essay_pending BOOLEAN NOT NULL DEFAULT FALSE,
	progress_recorded BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE UNIQUE INDEX IF NOT EXISTS exam_attempts_one_in_progress
	ON exam_attempts (student_id, exam_id) WHERE status = 'in_progress';

CREATE TABLE IF NOT EXISTS student_responses (
	id BIGSERIAL PRIMARY KEY,
	attempt_id TEXT NOT NULL REFERENCES exam_attempts(id) ON DELETE CASCADE,
	student_id TEXT NOT NULL,
	section_id BIGINT NOT NULL,
	question_id BIGINT NOT NULL REFERENCES questions(id),
	selected_option_id BIGINT REFERENCES answer_options(id),
	text_response TEXT,
	ai_score INTEGER,
	ai_feedback TEXT,
	updated_at BIGINT NOT NULL,
	UNIQUE (attempt_id, question_id)
);

CREATE TABLE IF NOT EXISTS progress (
	student_id TEXT PRIMARY KEY,
	streak_count INTEGER NOT NULL DEFAULT 0,
	day_completed INTEGER NOT NULL DEFAULT 0,
	xp_points BIGINT NOT NULL DEFAULT 0,
	tasks_completed_today TEXT NOT NULL DEFAULT '[]',
	last_login BIGINT,
	version BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
