package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE:  runMigrate,
}

// schema is applied idempotently on every run.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            UUID PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	display_name  TEXT NOT NULL,
	role          TEXT NOT NULL CHECK (role IN ('patient', 'doctor')),
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS relationships (
	id           UUID PRIMARY KEY,
	patient_id   UUID NOT NULL REFERENCES users(id),
	doctor_id    UUID NOT NULL REFERENCES users(id),
	status       TEXT NOT NULL CHECK (status IN ('pending', 'accepted', 'rejected', 'cancelled', 'removed')),
	requested_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS relationships_doctor_idx ON relationships (doctor_id, status);
CREATE INDEX IF NOT EXISTS relationships_patient_idx ON relationships (patient_id, status);

CREATE TABLE IF NOT EXISTS live_sessions (
	id                 UUID PRIMARY KEY,
	patient_id         TEXT NOT NULL,
	device_id          TEXT NOT NULL,
	started_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	ended_at           TIMESTAMPTZ,
	status             TEXT NOT NULL CHECK (status IN ('active', 'completed')),
	current_heart_rate INTEGER,
	notes              TEXT
);

-- At most one active session per (patient, device) pair.
CREATE UNIQUE INDEX IF NOT EXISTS live_sessions_one_active_idx
	ON live_sessions (patient_id, device_id) WHERE status = 'active';

CREATE INDEX IF NOT EXISTS live_sessions_patient_idx ON live_sessions (patient_id, started_at DESC);
`

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()

	cmd.SilenceUsage = true

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info("Schema applied")
	fmt.Println("Schema applied")
	return nil
}
