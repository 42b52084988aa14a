package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Keyring-Network/keyring-gavryn/research-plane/internal/store"
)

//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	db *sql.DB
}

var openDB = sql.Open

// New connects, applies the embedded schema, and verifies the tables exist.
func New(conn string) (*PostgresStore, error) {
	db, err := openDB("pgx", conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// Ping backs the readiness probe.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func verifySchema(ctx context.Context, db *sql.DB) error {
	required := []string{
		"research_runs",
		"research_run_events",
		"research_run_event_sequences",
		"research_run_steps",
	}
	for _, table := range required {
		var regclass sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)", fmt.Sprintf("public.%s", table)).Scan(&regclass); err != nil {
			return err
		}
		if !regclass.Valid {
			return fmt.Errorf("database schema missing: %s table not found", table)
		}
	}
	return nil
}

func (p *PostgresStore) CreateRun(ctx context.Context, run store.Run) error {
	status := strings.TrimSpace(run.Status)
	if status == "" {
		status = store.StatusRunning
	}
	source := strings.TrimSpace(run.Source)
	if source == "" {
		source = store.SourceStream
	}
	const query = `
		INSERT INTO research_runs (
			id,
			request_id,
			fingerprint,
			source,
			mode,
			prompt,
			url,
			max_depth,
			feedback_enabled,
			thread_id,
			resource_id,
			status,
			created_at,
			updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	createdAt := parseTimestampValue(run.CreatedAt)
	updatedAt := createdAt
	if strings.TrimSpace(run.UpdatedAt) != "" {
		updatedAt = parseTimestampValue(run.UpdatedAt)
	}
	_, err := p.db.ExecContext(
		ctx,
		query,
		run.ID,
		nullString(run.RequestID),
		nullString(run.Fingerprint),
		source,
		run.Mode,
		run.Prompt,
		nullString(run.URL),
		run.MaxDepth,
		run.FeedbackEnabled,
		nullString(run.ThreadID),
		nullString(run.ResourceID),
		status,
		createdAt,
		updatedAt,
	)
	return err
}

const runColumns = `id, request_id, fingerprint, source, mode, prompt, url, max_depth, feedback_enabled,
			thread_id, resource_id, status, response, warning, error, created_at, updated_at`

func (p *PostgresStore) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	query := `SELECT ` + runColumns + ` FROM research_runs WHERE id = $1`
	run, err := scanRun(p.db.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (p *PostgresStore) UpdateRun(ctx context.Context, update store.RunUpdate) error {
	const query = `
		UPDATE research_runs
		SET status = COALESCE($2, status),
			response = COALESCE($3, response),
			warning = COALESCE($4, warning),
			error = COALESCE($5, error),
			updated_at = NOW()
		WHERE id = $1
	`
	result, err := p.db.ExecContext(
		ctx,
		query,
		update.ID,
		nullString(update.Status),
		nullText(update.Response),
		nullText(update.Warning),
		nullText(update.Error),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListRuns(ctx context.Context, limit int) ([]store.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + runColumns + ` FROM research_runs ORDER BY created_at DESC, id ASC LIMIT $1`
	rows, err := p.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []store.Run{}
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

func (p *PostgresStore) DeleteRun(ctx context.Context, runID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, "DELETE FROM research_run_event_sequences WHERE run_id = $1", runID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM research_runs WHERE id = $1", runID); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

func (p *PostgresStore) AppendEvent(ctx context.Context, event store.RunEvent) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	const query = `
		INSERT INTO research_run_events (run_id, seq, type, timestamp, payload)
		VALUES ($1, $2, $3, $4, $5)
	`
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, query, event.RunID, event.Seq, event.Type, parseTimestampValue(event.Timestamp), encoded); err != nil {
		return err
	}
	if step, ok := store.BuildRunStepFromEvent(event); ok {
		if err = upsertRunStepTx(ctx, tx, step); err != nil {
			return err
		}
	}
	if err = applyRunStateUpdateTx(ctx, tx, event); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]store.RunEvent, error) {
	const query = `
		SELECT run_id, seq, type, timestamp, payload
		FROM research_run_events
		WHERE run_id = $1 AND seq > $2
		ORDER BY seq ASC
	`
	rows, err := p.db.QueryContext(ctx, query, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.RunEvent{}
	for rows.Next() {
		var payloadBytes []byte
		var timestamp time.Time
		var event store.RunEvent
		if err := rows.Scan(&event.RunID, &event.Seq, &event.Type, &timestamp, &payloadBytes); err != nil {
			return nil, err
		}
		event.Timestamp = timestamp.UTC().Format(time.RFC3339Nano)
		if len(payloadBytes) > 0 {
			payload := map[string]any{}
			if err := json.Unmarshal(payloadBytes, &payload); err != nil {
				return nil, err
			}
			event.Payload = payload
		} else {
			event.Payload = map[string]any{}
		}
		results = append(results, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) ListRunSteps(ctx context.Context, runID string) ([]store.RunStep, error) {
	const query = `
		SELECT run_id, step_id, name, status, seq, error, args, result, started_at, completed_at
		FROM research_run_steps
		WHERE run_id = $1
		ORDER BY seq ASC, step_id ASC
	`
	rows, err := p.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []store.RunStep{}
	for rows.Next() {
		var (
			step        store.RunStep
			errText     sql.NullString
			argsBytes   []byte
			resultBytes []byte
			startedAt   sql.NullTime
			completedAt sql.NullTime
		)
		if err := rows.Scan(
			&step.RunID,
			&step.ID,
			&step.Name,
			&step.Status,
			&step.Seq,
			&errText,
			&argsBytes,
			&resultBytes,
			&startedAt,
			&completedAt,
		); err != nil {
			return nil, err
		}
		if errText.Valid {
			step.Error = errText.String
		}
		if startedAt.Valid {
			step.StartedAt = startedAt.Time.UTC().Format(time.RFC3339Nano)
		}
		if completedAt.Valid {
			step.CompletedAt = completedAt.Time.UTC().Format(time.RFC3339Nano)
		}
		step.Args = decodeJSONMap(argsBytes)
		step.Result = decodeJSONMap(resultBytes)
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return steps, nil
}

func (p *PostgresStore) NextSeq(ctx context.Context, runID string) (int64, error) {
	const query = `
		INSERT INTO research_run_event_sequences (run_id, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (run_id)
		DO UPDATE SET last_seq = research_run_event_sequences.last_seq + 1
		RETURNING last_seq
	`
	var seq int64
	if err := p.db.QueryRowContext(ctx, query, runID).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (store.Run, error) {
	var (
		run         store.Run
		requestID   sql.NullString
		fingerprint sql.NullString
		url         sql.NullString
		threadID    sql.NullString
		resourceID  sql.NullString
		response    sql.NullString
		warning     sql.NullString
		errText     sql.NullString
		createdAt   time.Time
		updatedAt   time.Time
	)
	if err := row.Scan(
		&run.ID,
		&requestID,
		&fingerprint,
		&run.Source,
		&run.Mode,
		&run.Prompt,
		&url,
		&run.MaxDepth,
		&run.FeedbackEnabled,
		&threadID,
		&resourceID,
		&run.Status,
		&response,
		&warning,
		&errText,
		&createdAt,
		&updatedAt,
	); err != nil {
		return store.Run{}, err
	}
	run.RequestID = requestID.String
	run.Fingerprint = fingerprint.String
	run.URL = url.String
	run.ThreadID = threadID.String
	run.ResourceID = resourceID.String
	run.Response = response.String
	run.Warning = warning.String
	run.Error = errText.String
	run.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	run.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
	return run, nil
}

func upsertRunStepTx(ctx context.Context, tx *sql.Tx, step store.RunStep) error {
	if strings.TrimSpace(step.RunID) == "" || strings.TrimSpace(step.ID) == "" {
		return nil
	}
	if strings.TrimSpace(step.Name) == "" {
		step.Name = step.ID
	}
	if strings.TrimSpace(step.Status) == "" {
		step.Status = store.StatusRunning
	}
	argsBytes, err := json.Marshal(nonNilMap(step.Args))
	if err != nil {
		return err
	}
	resultBytes, err := json.Marshal(nonNilMap(step.Result))
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO research_run_steps (
			run_id,
			step_id,
			name,
			status,
			seq,
			error,
			args,
			result,
			started_at,
			completed_at,
			created_at,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10, NOW(), NOW())
		ON CONFLICT (run_id, step_id)
		DO UPDATE SET
			name = CASE WHEN research_run_steps.name = research_run_steps.step_id THEN EXCLUDED.name ELSE research_run_steps.name END,
			status = CASE
				WHEN research_run_steps.status IN ('completed', 'failed') THEN research_run_steps.status
				ELSE EXCLUDED.status
			END,
			seq = CASE
				WHEN research_run_steps.seq = 0 OR (EXCLUDED.seq > 0 AND EXCLUDED.seq < research_run_steps.seq) THEN EXCLUDED.seq
				ELSE research_run_steps.seq
			END,
			error = COALESCE(EXCLUDED.error, research_run_steps.error),
			args = CASE WHEN research_run_steps.args = '{}'::jsonb THEN EXCLUDED.args ELSE research_run_steps.args END,
			result = CASE WHEN EXCLUDED.result = '{}'::jsonb THEN research_run_steps.result ELSE EXCLUDED.result END,
			started_at = COALESCE(research_run_steps.started_at, EXCLUDED.started_at),
			completed_at = COALESCE(EXCLUDED.completed_at, research_run_steps.completed_at),
			updated_at = NOW()
	`
	_, err = tx.ExecContext(
		ctx,
		query,
		step.RunID,
		step.ID,
		step.Name,
		step.Status,
		step.Seq,
		nullText(step.Error),
		argsBytes,
		resultBytes,
		parseTimestampNull(step.StartedAt),
		parseTimestampNull(step.CompletedAt),
	)
	return err
}

// applyRunStateUpdateTx moves a still-active run to the status implied by a
// terminal event. Runs already finished through UpdateRun are left alone.
func applyRunStateUpdateTx(ctx context.Context, tx *sql.Tx, event store.RunEvent) error {
	status := store.StatusForTerminal(event.Type)
	if status == "" {
		return nil
	}
	var message any
	if status == store.StatusFailed {
		if text, ok := event.Payload["message"].(string); ok {
			message = nullText(text)
		}
	}
	const query = `
		UPDATE research_runs
		SET status = $2,
			error = COALESCE(error, $3),
			updated_at = $4
		WHERE id = $1 AND status IN ('running', 'queued')
	`
	_, err := tx.ExecContext(ctx, query, event.RunID, status, message, parseTimestampValue(event.Timestamp))
	return err
}

func parseTimestampValue(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value))
	if err != nil {
		return time.Now().UTC()
	}
	return parsed.UTC()
}

func parseTimestampNull(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil
	}
	return parsed.UTC()
}

func nullString(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}

// nullText keeps surrounding whitespace, unlike nullString.
func nullText(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nonNilMap(value map[string]any) map[string]any {
	if value == nil {
		return map[string]any{}
	}
	return value
}

func decodeJSONMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	payload := map[string]any{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return map[string]any{}
	}
	return payload
}
