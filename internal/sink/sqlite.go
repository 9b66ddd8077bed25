package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/faucet-claimer/internal/types"
	_ "github.com/mattn/go-sqlite3"
)

type SQLiteSink struct {
	db    *sql.DB
	runID string
}

func NewSQLiteSink(path, runID string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer keeps appends serialised
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS claim_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		ts TIMESTAMP NOT NULL,
		address TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL,
		proxy TEXT NOT NULL,
		egress_ip TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_claim_records_address ON claim_records(address);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteSink{db: db, runID: runID}, nil
}

func (s *SQLiteSink) Append(ctx context.Context, rec types.ClaimRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO claim_records (run_id, ts, address, status, message, proxy, egress_ip)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.runID, rec.Timestamp.UTC(), string(rec.Address), string(rec.Status), rec.Message, rec.Proxy, rec.EgressIP)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
