// Package batch runs one batch of pharmacy events through a fresh processor
// and optionally persists the journal, report and outbox entry.
package batch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/rxledger/internal/domain/prescription"
	"github.com/drfirst/rxledger/internal/infrastructure/postgres"
	"github.com/drfirst/rxledger/internal/infrastructure/redpanda"
	"github.com/drfirst/rxledger/internal/observability/metrics"
	"github.com/drfirst/rxledger/internal/processor"
)

// MaxEventCount bounds the count of a single structured event
const MaxEventCount = 1000

// ErrPersistenceDisabled is returned by Replay when the runner has no store
var ErrPersistenceDisabled = errors.New("batch persistence is disabled")

// Store persists processed batches
type Store interface {
	Save(ctx context.Context, batch *prescription.Batch, hooks ...prescription.TxFunc) error
	Load(ctx context.Context, id string) (*prescription.Batch, error)
}

// EventInput is one structured event. Count applies the event that many
// times, each as an independent guarded operation; zero means once.
type EventInput struct {
	Patient string `json:"patient"`
	Drug    string `json:"drug"`
	Event   string `json:"event"`
	Count   int    `json:"count,omitempty"`
}

// EventStatus reports whether a structured event was accepted. Events that
// were semantically discarded (fill before create etc.) are still accepted.
type EventStatus struct {
	Index    int    `json:"index"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// Result is the outcome of a batch run
type Result struct {
	BatchID   string              `json:"batch_id"`
	Source    string              `json:"source"`
	Summaries []processor.Summary `json:"summaries"`
	Report    []string            `json:"report"`
	Events    int                 `json:"events"`
	Discarded int                 `json:"discarded"`
	Persisted bool                `json:"persisted"`
}

// ReportGeneratedPayload is published through the outbox
type ReportGeneratedPayload struct {
	BatchID     string              `json:"batch_id"`
	Source      string              `json:"source"`
	Summaries   []processor.Summary `json:"summaries"`
	Report      []string            `json:"report"`
	GeneratedAt time.Time           `json:"generated_at"`
}

// Runner processes batches. The store and metrics are optional.
type Runner struct {
	store   Store
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewRunner creates a runner
func NewRunner(store Store, m *metrics.Metrics, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		store:   store,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("batch-runner"),
	}
}

// Persistent reports whether batches are saved
func (r *Runner) Persistent() bool { return r.store != nil }

// RunLines processes raw "<patient> <drug> <event>" lines. A malformed line
// aborts the batch: nothing is persisted and no report is returned.
func (r *Runner) RunLines(ctx context.Context, source string, rd io.Reader) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, "batch_run_lines",
		trace.WithAttributes(attribute.String("source", source)))
	defer span.End()
	start := time.Now()

	proc := processor.New(r.logger)
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lines := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			r.fail(span, "cancelled", err)
			return nil, err
		}
		lines++
		if err := proc.ProcessLine(scanner.Text()); err != nil {
			r.countLines(lines)
			if errors.Is(err, processor.ErrMalformedLine) && r.metrics != nil {
				r.metrics.MalformedLines.Inc()
			}
			r.fail(span, "malformed", err)
			r.logger.Warn("batch aborted", zap.String("source", source), zap.Error(err))
			return nil, err
		}
	}
	r.countLines(lines)
	if err := scanner.Err(); err != nil {
		r.fail(span, "read_error", err)
		return nil, fmt.Errorf("read batch: %w", err)
	}

	return r.finish(ctx, span, source, proc, start)
}

// RunEvents processes structured events. Incomplete events are rejected
// individually; the rest of the batch still runs.
func (r *Runner) RunEvents(ctx context.Context, source string, events []EventInput) (*Result, []EventStatus, error) {
	ctx, span := r.tracer.Start(ctx, "batch_run_events",
		trace.WithAttributes(
			attribute.String("source", source),
			attribute.Int("events", len(events)),
		))
	defer span.End()
	start := time.Now()

	proc := processor.New(r.logger)
	statuses := make([]EventStatus, len(events))
	for i, in := range events {
		if err := ctx.Err(); err != nil {
			r.fail(span, "cancelled", err)
			return nil, nil, err
		}
		statuses[i] = EventStatus{Index: i}
		if err := validate(in); err != nil {
			statuses[i].Error = err.Error()
			continue
		}
		count := in.Count
		if count == 0 {
			count = 1
		}
		var err error
		for n := 0; n < count && err == nil; n++ {
			_, err = proc.ProcessEvent(in.Patient, in.Drug, in.Event)
		}
		if err != nil {
			statuses[i].Error = err.Error()
			continue
		}
		statuses[i].Accepted = true
	}

	res, err := r.finish(ctx, span, source, proc, start)
	if err != nil {
		return nil, nil, err
	}
	return res, statuses, nil
}

// Replay loads a persisted batch and rebuilds its report from the journal
func (r *Runner) Replay(ctx context.Context, id string) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, "batch_replay",
		trace.WithAttributes(attribute.String("batch_id", id)))
	defer span.End()

	if r.store == nil {
		return nil, ErrPersistenceDisabled
	}
	b, err := r.store.Load(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	proc, err := processor.Replay(b.Events, r.logger)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return r.result(b.ID, b.Source, proc, true), nil
}

func (r *Runner) finish(ctx context.Context, span trace.Span, source string, proc *processor.EventProcessor, start time.Time) (*Result, error) {
	res := r.result(uuid.New().String(), source, proc, false)
	span.SetAttributes(
		attribute.String("batch_id", res.BatchID),
		attribute.Int("report_lines", len(res.Report)),
		attribute.Int("discarded", res.Discarded),
	)

	if r.store != nil {
		if err := r.persist(ctx, res, proc); err != nil {
			r.fail(span, "persist_error", err)
			return nil, fmt.Errorf("persist batch %s: %w", res.BatchID, err)
		}
		res.Persisted = true
	}

	r.record(proc, res, time.Since(start))
	r.logger.Info("batch processed",
		zap.String("batch_id", res.BatchID),
		zap.String("source", source),
		zap.Int("events", res.Events),
		zap.Int("discarded", res.Discarded),
		zap.Int("patients", len(res.Report)),
		zap.Bool("persisted", res.Persisted))
	return res, nil
}

func (r *Runner) result(id, source string, proc *processor.EventProcessor, persisted bool) *Result {
	journal := proc.Journal()
	discarded := 0
	for _, e := range journal {
		if e.Outcome != prescription.Applied {
			discarded++
		}
	}
	summaries := proc.Summaries()
	report := make([]string, len(summaries))
	for i, s := range summaries {
		report[i] = processor.FormatLine(s)
	}
	return &Result{
		BatchID:   id,
		Source:    source,
		Summaries: summaries,
		Report:    report,
		Events:    len(journal),
		Discarded: discarded,
		Persisted: persisted,
	}
}

func (r *Runner) persist(ctx context.Context, res *Result, proc *processor.EventProcessor) error {
	now := time.Now().UTC()
	payload, err := json.Marshal(ReportGeneratedPayload{
		BatchID:     res.BatchID,
		Source:      res.Source,
		Summaries:   res.Summaries,
		Report:      res.Report,
		GeneratedAt: now,
	})
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}

	b := &prescription.Batch{
		ID:        res.BatchID,
		Source:    res.Source,
		Events:    proc.Journal(),
		Report:    res.Report,
		CreatedAt: now,
	}
	return r.store.Save(ctx, b, func(ctx context.Context, tx pgx.Tx) error {
		return postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
			AggregateID:   res.BatchID,
			AggregateType: "Batch",
			EventType:     "ReportGenerated",
			Payload:       payload,
			KafkaTopic:    redpanda.TopicReports,
			KafkaKey:      res.BatchID,
		})
	})
}

func (r *Runner) record(proc *processor.EventProcessor, res *Result, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}
	for _, e := range proc.Journal() {
		r.metrics.EventsApplied.WithLabelValues(e.Type.String(), e.Outcome.String()).Inc()
	}
	r.metrics.BatchesProcessed.WithLabelValues("ok").Inc()
	r.metrics.ReportLines.Observe(float64(len(res.Report)))
	r.metrics.ProcessingDuration.Observe(elapsed.Seconds())
}

func (r *Runner) countLines(n int) {
	if r.metrics != nil {
		r.metrics.LinesProcessed.Add(float64(n))
	}
}

func (r *Runner) fail(span trace.Span, result string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, result)
	if r.metrics != nil {
		r.metrics.BatchesProcessed.WithLabelValues(result).Inc()
	}
}

func validate(in EventInput) error {
	var missing []string
	if in.Patient == "" {
		missing = append(missing, "patient")
	}
	if in.Drug == "" {
		missing = append(missing, "drug")
	}
	if in.Event == "" {
		missing = append(missing, "event")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	if in.Count < 0 || in.Count > MaxEventCount {
		return fmt.Errorf("count must be between 0 and %d", MaxEventCount)
	}
	return nil
}
