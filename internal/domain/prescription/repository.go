// Package prescription provides the batch journal repository.
package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrBatchNotFound is returned by Load for an unknown batch id
var ErrBatchNotFound = errors.New("batch not found")

// Batch is one processing run: its ordered journal and the report it produced
type Batch struct {
	ID        string
	Source    string
	Events    []*Event
	Report    []string
	CreatedAt time.Time
}

// TxFunc runs extra statements inside the transaction that saves a batch
type TxFunc func(ctx context.Context, tx pgx.Tx) error

// Repository persists batch journals. The in-memory model never depends on it.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Save persists a batch, its journal and anything the hooks write, atomically
func (r *Repository) Save(ctx context.Context, batch *Batch, hooks ...TxFunc) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	report, err := json.Marshal(batch.Report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO rx_batches (id, source, report, created_at)
		VALUES ($1, $2, $3, $4)
	`, batch.ID, batch.Source, report, batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	rows := make([][]any, 0, len(batch.Events))
	for _, e := range batch.Events {
		rows = append(rows, []any{
			batch.ID, e.Sequence, e.ID, e.Patient, e.Drug, e.Name, e.Outcome.String(), e.Timestamp,
		})
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"rx_batch_events"},
		[]string{"batch_id", "sequence", "event_id", "patient", "drug", "event_name", "outcome", "recorded_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy events: %w", err)
	}

	for _, hook := range hooks {
		if err := hook(ctx, tx); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("batch saved",
		zap.String("batch_id", batch.ID),
		zap.Int("events", len(batch.Events)),
		zap.Int("report_lines", len(batch.Report)))
	return nil
}

// Load retrieves a batch and its journal in sequence order
func (r *Repository) Load(ctx context.Context, id string) (*Batch, error) {
	batch := &Batch{ID: id}
	var report []byte
	err := r.pool.QueryRow(ctx, `
		SELECT source, report, created_at FROM rx_batches WHERE id = $1
	`, id).Scan(&batch.Source, &report, &batch.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
		}
		return nil, err
	}
	if err := json.Unmarshal(report, &batch.Report); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}

	events, err := r.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	batch.Events = events
	return batch, nil
}

// GetEvents retrieves the journal of a batch
func (r *Repository) GetEvents(ctx context.Context, batchID string) ([]*Event, error) {
	query := `
		SELECT sequence, event_id, patient, drug, event_name, recorded_at
		FROM rx_batch_events
		WHERE batch_id = $1
		ORDER BY sequence ASC
	`

	rows, err := r.pool.Query(ctx, query, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.Sequence, &e.ID, &e.Patient, &e.Drug, &e.Name, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Type = ParseEventType(e.Name)
		events = append(events, e)
	}
	return events, rows.Err()
}
