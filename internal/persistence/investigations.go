package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aegis-soc/aegis/internal/investigation"
)

// CreateInvestigation durably inserts a new record. The incident ID is
// the partition key; an existing ID fails with ErrAlreadyExists.
func (s *Store) CreateInvestigation(ctx context.Context, st *investigation.State) error {
	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now
	if st.Status == "" {
		st.Status = investigation.StatusCreated
	}

	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO investigations (incident_id, alert, priority, status, loop_count, max_loops, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, st.IncidentID, st.Alert, st.Priority, st.Status, st.LoopCount, st.MaxLoops, st.CreatedAt, st.UpdatedAt)
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, st.IncidentID)
		}
		return fmt.Errorf("create investigation: %w", err)
	}
	return nil
}

// GetInvestigation reads the full record including its task history.
func (s *Store) GetInvestigation(ctx context.Context, incidentID string) (*investigation.State, error) {
	var (
		st      investigation.State
		verdict sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT incident_id, alert, priority, status, loop_count, max_loops, verdict, created_at, updated_at
		FROM investigations
		WHERE incident_id = ?;
	`, incidentID).Scan(
		&st.IncidentID, &st.Alert, &st.Priority, &st.Status,
		&st.LoopCount, &st.MaxLoops, &verdict, &st.CreatedAt, &st.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, incidentID)
	}
	if err != nil {
		return nil, fmt.Errorf("select investigation: %w", err)
	}

	if verdict.Valid {
		var v investigation.ThreatVerdict
		if err := json.Unmarshal([]byte(verdict.String), &v); err != nil {
			return nil, fmt.Errorf("decode verdict: %w", err)
		}
		st.Verdict = &v
	}

	history, err := s.listTaskRecords(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	st.TaskHistory = history
	return &st, nil
}

func (s *Store) listTaskRecords(ctx context.Context, incidentID string) ([]investigation.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent, action, params, success, result, error, duration_ms, recorded_at
		FROM task_records
		WHERE incident_id = ?
		ORDER BY id ASC;
	`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("query task records: %w", err)
	}
	defer rows.Close()

	var out []investigation.TaskRecord
	for rows.Next() {
		var (
			rec        investigation.TaskRecord
			params     string
			result     sql.NullString
			errMsg     sql.NullString
			durationMS int64
		)
		if err := rows.Scan(&rec.Agent, &rec.Action, &params, &rec.Success, &result, &errMsg, &durationMS, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan task record: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &rec.Params); err != nil {
			return nil, fmt.Errorf("decode task params: %w", err)
		}
		if result.Valid {
			rec.Result = json.RawMessage(result.String)
		}
		if errMsg.Valid {
			rec.Error = errMsg.String
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task record rows: %w", err)
	}
	return out, nil
}

// MarkRunning transitions created → running. prev is the optimistic
// token from the last read; a mismatch fails with ErrConflict.
func (s *Store) MarkRunning(ctx context.Context, incidentID string, prev time.Time) (time.Time, error) {
	now := time.Now().UTC()
	err := retryOnBusy(ctx, 5, func() error {
		return s.withOptimisticUpdate(ctx, incidentID, prev, func(tx *sql.Tx, status string) error {
			if !canTransition(status, investigation.StatusRunning) {
				return fmt.Errorf("illegal transition %s -> %s", status, investigation.StatusRunning)
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE investigations SET status = ?, updated_at = ? WHERE incident_id = ?;
			`, investigation.StatusRunning, now, incidentID)
			return err
		})
	})
	if err != nil {
		return time.Time{}, err
	}
	return now, nil
}

// AppendIteration atomically appends one completed iteration's task
// records and increments loop_count by exactly one. Records are written
// in the order given, which is completion order within the iteration.
func (s *Store) AppendIteration(ctx context.Context, incidentID string, records []investigation.TaskRecord, prev time.Time) (time.Time, error) {
	now := time.Now().UTC()
	err := retryOnBusy(ctx, 5, func() error {
		return s.withOptimisticUpdate(ctx, incidentID, prev, func(tx *sql.Tx, status string) error {
			if status != investigation.StatusRunning {
				return fmt.Errorf("append on %s investigation", status)
			}

			var loopCount, maxLoops int
			if err := tx.QueryRowContext(ctx, `
				SELECT loop_count, max_loops FROM investigations WHERE incident_id = ?;
			`, incidentID).Scan(&loopCount, &maxLoops); err != nil {
				return fmt.Errorf("read loop count: %w", err)
			}
			if loopCount >= maxLoops {
				return fmt.Errorf("loop count %d already at max %d", loopCount, maxLoops)
			}
			iteration := loopCount + 1

			for _, rec := range records {
				params, err := json.Marshal(rec.Params)
				if err != nil {
					return fmt.Errorf("marshal task params: %w", err)
				}
				result := sql.NullString{}
				if len(rec.Result) > 0 {
					result = sql.NullString{Valid: true, String: string(rec.Result)}
				}
				errMsg := sql.NullString{}
				if rec.Error != "" {
					errMsg = sql.NullString{Valid: true, String: rec.Error}
				}
				ts := rec.Timestamp
				if ts.IsZero() {
					ts = now
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO task_records (incident_id, iteration, agent, action, params, success, result, error, duration_ms, recorded_at)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
				`, incidentID, iteration, rec.Agent, rec.Action, string(params), rec.Success, result, errMsg, rec.Duration.Milliseconds(), ts); err != nil {
					return fmt.Errorf("insert task record: %w", err)
				}
			}

			_, err := tx.ExecContext(ctx, `
				UPDATE investigations SET loop_count = loop_count + 1, updated_at = ? WHERE incident_id = ?;
			`, now, incidentID)
			return err
		})
	})
	if err != nil {
		return time.Time{}, err
	}
	return now, nil
}

// SetTerminal records the terminal status and, for completed
// investigations, the verdict. Terminal states are never overwritten.
func (s *Store) SetTerminal(ctx context.Context, incidentID, status string, verdict *investigation.ThreatVerdict, prev time.Time) (time.Time, error) {
	if status != investigation.StatusCompleted && status != investigation.StatusFailed {
		return time.Time{}, fmt.Errorf("non-terminal status %q", status)
	}
	verdictVal, err := marshalVerdict(verdict)
	if err != nil {
		return time.Time{}, err
	}

	now := time.Now().UTC()
	err = retryOnBusy(ctx, 5, func() error {
		return s.withOptimisticUpdate(ctx, incidentID, prev, func(tx *sql.Tx, current string) error {
			if !canTransition(current, status) {
				return fmt.Errorf("illegal transition %s -> %s", current, status)
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE investigations SET status = ?, verdict = ?, updated_at = ? WHERE incident_id = ?;
			`, status, verdictVal, now, incidentID)
			return err
		})
	})
	if err != nil {
		return time.Time{}, err
	}
	return now, nil
}

// withOptimisticUpdate runs fn in a transaction after checking that the
// record's updated_at still equals prev. A mismatch means another
// writer got there first; the caller must fail rather than overwrite.
func (s *Store) withOptimisticUpdate(ctx context.Context, incidentID string, prev time.Time, fn func(tx *sql.Tx, status string) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status    string
		updatedAt time.Time
	)
	err = tx.QueryRowContext(ctx, `
		SELECT status, updated_at FROM investigations WHERE incident_id = ?;
	`, incidentID).Scan(&status, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, incidentID)
	}
	if err != nil {
		return fmt.Errorf("select for update: %w", err)
	}
	if !updatedAt.Equal(prev) {
		return fmt.Errorf("%w: %s", ErrConflict, incidentID)
	}

	if err := fn(tx, status); err != nil {
		return err
	}
	return tx.Commit()
}

// InvestigationSummary is a history-free listing row.
type InvestigationSummary struct {
	IncidentID string    `json:"incident_id"`
	Alert      string    `json:"alert"`
	Priority   string    `json:"priority"`
	Status     string    `json:"status"`
	LoopCount  int       `json:"loop_count"`
	Severity   string    `json:"severity,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ListRecent returns the newest investigations without their histories.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]InvestigationSummary, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT incident_id, alert, priority, status, loop_count,
			COALESCE(json_extract(verdict, '$.severity'), ''),
			created_at, updated_at
		FROM investigations
		ORDER BY created_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list investigations: %w", err)
	}
	defer rows.Close()

	var out []InvestigationSummary
	for rows.Next() {
		var item InvestigationSummary
		if err := rows.Scan(&item.IncidentID, &item.Alert, &item.Priority, &item.Status,
			&item.LoopCount, &item.Severity, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan investigation summary: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("investigation rows: %w", err)
	}
	return out, nil
}

// PruneOlderThan deletes terminal investigations last touched before
// cutoff, cascading to their task records. Running investigations are
// never pruned.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM investigations
			WHERE status IN (?, ?) AND updated_at < ?;
		`, investigation.StatusCompleted, investigation.StatusFailed, cutoff.UTC())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune investigations: %w", err)
	}
	return deleted, nil
}
