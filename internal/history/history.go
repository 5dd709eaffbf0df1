// Package history keeps every verification report in sqlite so operators can
// see when the log last verified and when it first failed.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"witness_service/internal/audit"
	dbpkg "witness_service/internal/db"
)

const DefaultListLimit = 20

type Run struct {
	ID              string       `json:"id"`
	VerifiedAt      time.Time    `json:"verified_at"`
	ChainValid      bool         `json:"chain_valid"`
	SignatureValid  bool         `json:"signature_valid"`
	ConsideredFresh bool         `json:"considered_fresh"`
	EventCount      int          `json:"event_count"`
	HeadEventHash   *string      `json:"head_event_hash"`
	Source          string       `json:"source"`
	Report          audit.Report `json:"report"`
}

type Store struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewStore(conn *sql.DB, writer *dbpkg.Worker) *Store {
	return &Store{db: conn, writer: writer}
}

// Record stores report under a fresh id. source names the caller, e.g.
// "server" or "cli".
func (s *Store) Record(ctx context.Context, report audit.Report, source string) (Run, error) {
	verifiedAt, err := time.Parse(time.RFC3339, report.VerifiedAt)
	if err != nil {
		verifiedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return Run{}, fmt.Errorf("Record marshal report: %w", err)
	}
	run := Run{
		ID:              uuid.NewString(),
		VerifiedAt:      verifiedAt.UTC(),
		ChainValid:      report.Chain.HashChainValid,
		SignatureValid:  report.Checkpoint.SignatureValid,
		ConsideredFresh: report.Checkpoint.ConsideredFresh,
		EventCount:      report.Chain.EventCount,
		HeadEventHash:   report.Chain.HeadEventHash,
		Source:          source,
		Report:          report,
	}

	var head any
	if run.HeadEventHash != nil {
		head = *run.HeadEventHash
	}
	err = s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO verification_runs(
  id, verified_at_ms, chain_valid, signature_valid, considered_fresh,
  event_count, head_event_hash, source, report_json
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			run.ID, run.VerifiedAt.UnixMilli(), boolInt(run.ChainValid), boolInt(run.SignatureValid),
			boolInt(run.ConsideredFresh), run.EventCount, head, run.Source, string(raw),
		); err != nil {
			return fmt.Errorf("Record insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

const selectRuns = `
SELECT id, verified_at_ms, chain_valid, signature_valid, considered_fresh,
       event_count, head_event_hash, source, report_json
FROM verification_runs
`

// List returns up to limit runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.query(ctx, selectRuns+"ORDER BY verified_at_ms DESC, rowid DESC LIMIT ?;", limit)
}

// LastFailure returns the newest run whose chain or signature was invalid,
// or nil when there is none.
func (s *Store) LastFailure(ctx context.Context) (*Run, error) {
	runs, err := s.query(ctx, selectRuns+`WHERE chain_valid = 0 OR signature_valid = 0
ORDER BY verified_at_ms DESC, rowid DESC LIMIT 1;`)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run                   Run
			verifiedMs            int64
			chainOK, sigOK, fresh int
			head                  sql.NullString
			reportJSON            string
		)
		if err := rows.Scan(&run.ID, &verifiedMs, &chainOK, &sigOK, &fresh,
			&run.EventCount, &head, &run.Source, &reportJSON); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.VerifiedAt = time.UnixMilli(verifiedMs).UTC()
		run.ChainValid = chainOK == 1
		run.SignatureValid = sigOK == 1
		run.ConsideredFresh = fresh == 1
		if head.Valid {
			h := head.String
			run.HeadEventHash = &h
		}
		if err := json.Unmarshal([]byte(reportJSON), &run.Report); err != nil {
			return nil, fmt.Errorf("decode report %s: %w", run.ID, err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
