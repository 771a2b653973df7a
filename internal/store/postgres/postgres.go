// Package postgres is the durable Store backed by Postgres via the pgx
// stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/trendlab/trendlab/internal/store"
)

type PostgresStore struct {
	db *sql.DB
}

var openDB = sql.Open

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
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			image_url TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			finished_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			seq BIGINT NOT NULL,
			type TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL DEFAULT now(),
			payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS strategies (
			run_id TEXT PRIMARY KEY REFERENCES runs(id) ON DELETE CASCADE,
			parent_run_id TEXT NOT NULL DEFAULT '',
			document JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS images (
			id BIGSERIAL PRIMARY KEY,
			image_url TEXT NOT NULL DEFAULT '',
			brief TEXT NOT NULL DEFAULT '',
			embedding JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) CreateRun(ctx context.Context, run store.Run) error {
	status := run.Status
	if status == "" {
		status = store.RunStatusRunning
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO runs (id, kind, status, image_url)
		VALUES ($1, $2, $3, $4)`,
		run.ID, run.Kind, status, run.ImageURL)
	return err
}

func (p *PostgresStore) FinishRun(ctx context.Context, runID, status, errMessage string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE runs SET status = $2, error = $3, finished_at = now() WHERE id = $1`,
		runID, status, errMessage)
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

func (p *PostgresStore) GetRun(ctx context.Context, runID string) (store.Run, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, kind, status, image_url, error, created_at, COALESCE(finished_at, 'epoch'::timestamptz)
		FROM runs WHERE id = $1`, runID)
	return scanRun(row)
}

func (p *PostgresStore) ListRuns(ctx context.Context) ([]store.Run, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, kind, status, image_url, error, created_at, COALESCE(finished_at, 'epoch'::timestamptz)
		FROM runs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (store.Run, error) {
	var run store.Run
	var createdAt, finishedAt time.Time
	err := row.Scan(&run.ID, &run.Kind, &run.Status, &run.ImageURL, &run.Error, &createdAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Run{}, store.ErrNotFound
	}
	if err != nil {
		return store.Run{}, err
	}
	run.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	if finishedAt.Unix() > 0 {
		run.FinishedAt = finishedAt.UTC().Format(time.RFC3339)
	}
	return run, nil
}

func (p *PostgresStore) AppendEvent(ctx context.Context, runID, eventType string, payload map[string]any) (store.RunEvent, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return store.RunEvent{}, err
	}
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO run_events (run_id, seq, type, payload)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3 FROM run_events WHERE run_id = $1
		RETURNING seq, ts`,
		runID, eventType, payloadBytes)

	event := store.RunEvent{RunID: runID, Type: eventType, Payload: payload}
	var ts time.Time
	if err := row.Scan(&event.Seq, &ts); err != nil {
		return store.RunEvent{}, err
	}
	event.Ts = ts.UTC().Format(time.RFC3339Nano)
	return event, nil
}

func (p *PostgresStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]store.RunEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT seq, type, ts, payload FROM run_events
		WHERE run_id = $1 AND seq > $2 ORDER BY seq`, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.RunEvent
	for rows.Next() {
		event := store.RunEvent{RunID: runID}
		var ts time.Time
		var payloadBytes []byte
		if err := rows.Scan(&event.Seq, &event.Type, &ts, &payloadBytes); err != nil {
			return nil, err
		}
		event.Ts = ts.UTC().Format(time.RFC3339Nano)
		if len(payloadBytes) > 0 {
			if err := json.Unmarshal(payloadBytes, &event.Payload); err != nil {
				return nil, err
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (p *PostgresStore) SaveStrategy(ctx context.Context, strategy store.Strategy) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO strategies (run_id, parent_run_id, document)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id) DO UPDATE SET parent_run_id = $2, document = $3`,
		strategy.RunID, strategy.ParentRunID, []byte(strategy.Document))
	return err
}

func (p *PostgresStore) GetStrategy(ctx context.Context, runID string) (store.Strategy, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT run_id, parent_run_id, document, created_at FROM strategies WHERE run_id = $1`, runID)

	var strategy store.Strategy
	var document []byte
	var createdAt time.Time
	err := row.Scan(&strategy.RunID, &strategy.ParentRunID, &document, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Strategy{}, store.ErrNotFound
	}
	if err != nil {
		return store.Strategy{}, err
	}
	strategy.Document = document
	strategy.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	return strategy, nil
}

func (p *PostgresStore) SaveImage(ctx context.Context, image store.Image) (int64, error) {
	embeddingBytes, err := json.Marshal(image.Embedding)
	if err != nil {
		return 0, err
	}
	var id int64
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO images (image_url, brief, embedding)
		VALUES ($1, $2, $3) RETURNING id`,
		image.ImageURL, image.Brief, embeddingBytes).Scan(&id)
	return id, err
}

// SearchImages ranks stored embeddings by cosine distance. Embeddings are
// stored as JSONB and scored in-process; the reference deployment used a
// vector column and ordered in SQL instead.
func (p *PostgresStore) SearchImages(ctx context.Context, embedding []float64, limit int) ([]store.ImageMatch, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, image_url, embedding FROM images`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []store.ImageMatch
	for rows.Next() {
		var id int64
		var imageURL string
		var embeddingBytes []byte
		if err := rows.Scan(&id, &imageURL, &embeddingBytes); err != nil {
			return nil, err
		}
		var stored []float64
		if err := json.Unmarshal(embeddingBytes, &stored); err != nil {
			return nil, err
		}
		matches = append(matches, store.ImageMatch{
			ID:       id,
			ImageURL: imageURL,
			Distance: 1 - cosineSimilarity(embedding, stored),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortMatches(matches)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func sortMatches(matches []store.ImageMatch) {
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
