package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Run statuses as stored in replay_runs.status.
const (
	RunStatusRunning  = "running"
	RunStatusFinished = "finished"
	RunStatusFailed   = "failed"
)

// ReplayRun is one replay session's bookkeeping row. FinishedAt is the zero
// time while the run is still in progress.
type ReplayRun struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"`
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`
	Packets      int64     `json:"packets"`
	Bytes        int64     `json:"bytes"`
	Dropped      int64     `json:"dropped"`
	SamplingProb float64   `json:"sampling_prob"`
}

func (r *ReplayRun) String() string {
	return fmt.Sprintf(
		"ID: %s, Source: %s, Status: %s, Packets: %d, Bytes: %d, Dropped: %d, SamplingProb: %f",
		r.ID, r.Source, r.Status, r.Packets, r.Bytes, r.Dropped, r.SamplingProb,
	)
}

// ProtocolCount is one bucket of a run's protocol histogram.
type ProtocolCount struct {
	Proto   int   `json:"proto"`
	Packets int64 `json:"packets"`
}

// RecordRunStart inserts the run with status "running". Counters are
// written later by FinishRun.
func (db *DB) RecordRunStart(run ReplayRun) error {
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := db.Exec(
		`INSERT INTO replay_runs (id, source, status, started_at, sampling_prob)
		 VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Source, run.Status, run.StartedAt, run.SamplingProb,
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun closes out the run with its final status and counters.
func (db *DB) FinishRun(id, status string, packets, bytes, dropped int64) error {
	res, err := db.Exec(
		`UPDATE replay_runs
		 SET status = ?, finished_at = ?, packets = ?, bytes = ?, dropped = ?
		 WHERE id = ?`,
		status, time.Now().UTC(), packets, bytes, dropped, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no such run %s", id)
	}
	return nil
}

// RecordProtocols stores the run's protocol histogram, replacing any
// earlier rows for the same run.
func (db *DB) RecordProtocols(runID string, counts map[uint8]int64) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM replay_protocols WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to clear protocols for run %s: %w", runID, err)
	}
	for proto, packets := range counts {
		if _, err := tx.Exec(
			`INSERT INTO replay_protocols (run_id, proto, packets) VALUES (?, ?, ?)`,
			runID, int(proto), packets,
		); err != nil {
			return fmt.Errorf("failed to record protocol %d for run %s: %w", proto, runID, err)
		}
	}
	return tx.Commit()
}

// Runs returns the most recent runs, newest first.
func (db *DB) Runs(limit int) ([]ReplayRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT id, source, status, started_at, finished_at, packets, bytes, dropped, sampling_prob
		 FROM replay_runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []ReplayRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// Run returns one run by id. sql.ErrNoRows means no such run.
func (db *DB) Run(id string) (ReplayRun, error) {
	row := db.QueryRow(
		`SELECT id, source, status, started_at, finished_at, packets, bytes, dropped, sampling_prob
		 FROM replay_runs WHERE id = ?`, id)
	return scanRun(row)
}

// RunProtocols returns the run's protocol histogram ordered by protocol
// number.
func (db *DB) RunProtocols(runID string) ([]ProtocolCount, error) {
	rows, err := db.Query(
		`SELECT proto, packets FROM replay_protocols WHERE run_id = ? ORDER BY proto`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []ProtocolCount
	for rows.Next() {
		var pc ProtocolCount
		if err := rows.Scan(&pc.Proto, &pc.Packets); err != nil {
			return nil, err
		}
		counts = append(counts, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (ReplayRun, error) {
	var (
		run      ReplayRun
		finished sql.NullTime
	)
	err := row.Scan(
		&run.ID, &run.Source, &run.Status, &run.StartedAt, &finished,
		&run.Packets, &run.Bytes, &run.Dropped, &run.SamplingProb,
	)
	if err != nil {
		return ReplayRun{}, err
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return run, nil
}
