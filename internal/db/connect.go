package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB and ensures schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:quizdb.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/quizdb?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	if err := ensureSchema(ctx, db, driver); err != nil {
		return nil, err
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  username TEXT NOT NULL UNIQUE,
  role TEXT NOT NULL DEFAULT 'student',
  password_hash TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS stages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  syllabus_path TEXT NOT NULL,
  name TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  settings_json TEXT NOT NULL DEFAULT '',
  UNIQUE (syllabus_path, name)
);

CREATE TABLE IF NOT EXISTS material_sources (
  question_id INTEGER PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  tags_json TEXT NOT NULL DEFAULT '',
  permutation_count INTEGER NOT NULL DEFAULT 1,
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS stage_material (
  stage_id INTEGER NOT NULL REFERENCES stages(id) ON DELETE CASCADE,
  question_id INTEGER NOT NULL REFERENCES material_sources(question_id),
  PRIMARY KEY (stage_id, question_id)
);

CREATE TABLE IF NOT EXISTS answers (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  stage_id INTEGER NOT NULL REFERENCES stages(id) ON DELETE CASCADE,
  user_id TEXT NOT NULL,
  question_id INTEGER NOT NULL,
  permutation INTEGER NOT NULL,
  client_id TEXT NOT NULL DEFAULT '',
  time_start INTEGER NOT NULL DEFAULT 0,
  time_end INTEGER NOT NULL,
  time_offset INTEGER NOT NULL,
  correct INTEGER,
  grade REAL NOT NULL DEFAULT 0,
  mark REAL NOT NULL DEFAULT 0,
  coins_awarded INTEGER NOT NULL DEFAULT 0,
  accepted INTEGER NOT NULL DEFAULT 0,
  student_answer_json TEXT,
  review_json TEXT,
  UNIQUE (stage_id, user_id, time_end, time_offset)
);

CREATE INDEX IF NOT EXISTS idx_answers_ug
  ON answers (stage_id, permutation) WHERE permutation < 0;

CREATE TABLE IF NOT EXISTS ug_permutations (
  seq INTEGER PRIMARY KEY AUTOINCREMENT, -- BIGSERIAL in Postgres
  question_id INTEGER NOT NULL,
  user_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS vetted_students (
  syllabus_path TEXT NOT NULL,
  user_id TEXT NOT NULL,
  PRIMARY KEY (syllabus_path, user_id)
);

`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  username TEXT NOT NULL UNIQUE,
  role TEXT NOT NULL DEFAULT 'student',
  password_hash TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS stages (
  id BIGSERIAL PRIMARY KEY,
  syllabus_path TEXT NOT NULL,
  name TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  settings_json TEXT NOT NULL DEFAULT '',
  UNIQUE (syllabus_path, name)
);

CREATE TABLE IF NOT EXISTS material_sources (
  question_id BIGINT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  tags_json TEXT NOT NULL DEFAULT '',
  permutation_count INTEGER NOT NULL DEFAULT 1,
  created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS stage_material (
  stage_id BIGINT NOT NULL REFERENCES stages(id) ON DELETE CASCADE,
  question_id BIGINT NOT NULL REFERENCES material_sources(question_id),
  PRIMARY KEY (stage_id, question_id)
);

CREATE TABLE IF NOT EXISTS answers (
  id BIGSERIAL PRIMARY KEY,
  stage_id BIGINT NOT NULL REFERENCES stages(id) ON DELETE CASCADE,
  user_id TEXT NOT NULL,
  question_id BIGINT NOT NULL,
  permutation INTEGER NOT NULL,
  client_id TEXT NOT NULL DEFAULT '',
  time_start BIGINT NOT NULL DEFAULT 0,
  time_end BIGINT NOT NULL,
  time_offset BIGINT NOT NULL,
  correct BOOLEAN,
  grade DOUBLE PRECISION NOT NULL DEFAULT 0,
  mark DOUBLE PRECISION NOT NULL DEFAULT 0,
  coins_awarded BIGINT NOT NULL DEFAULT 0,
  accepted BOOLEAN NOT NULL DEFAULT FALSE,
  student_answer_json TEXT,
  review_json TEXT,
  UNIQUE (stage_id, user_id, time_end, time_offset)
);

CREATE INDEX IF NOT EXISTS idx_answers_ug
  ON answers (stage_id, permutation) WHERE permutation < 0;

CREATE TABLE IF NOT EXISTS ug_permutations (
  seq BIGSERIAL PRIMARY KEY,
  question_id BIGINT NOT NULL,
  user_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS vetted_students (
  syllabus_path TEXT NOT NULL,
  user_id TEXT NOT NULL,
  PRIMARY KEY (syllabus_path, user_id)
);

`
