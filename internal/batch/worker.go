package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/rxledger/internal/infrastructure/redpanda"
	"github.com/drfirst/rxledger/internal/processor"
	"github.com/drfirst/rxledger/pkg/idempotency"
	"github.com/drfirst/rxledger/pkg/workerpool"
)

const handlerName = "batch-worker"

// Deduper runs a handler at most once per key
type Deduper interface {
	Process(ctx context.Context, key, handlerName string, payload []byte, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Publisher sends one message to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// DeadLetter is published for a batch that can never succeed
type DeadLetter struct {
	Topic     string    `json:"original_topic"`
	Partition int32     `json:"partition"`
	Offset    int64     `json:"offset"`
	Source    string    `json:"source"`
	Error     string    `json:"error"`
	Payload   string    `json:"payload"`
	FailedAt  time.Time `json:"failed_at"`
}

// Worker turns consumed batch records into reports on a worker pool. Each
// record is one independent batch with its own processor.
type Worker struct {
	runner     *Runner
	inbox      Deduper
	deadLetter Publisher
	pool       *workerpool.Pool
	logger     *zap.Logger
}

// NewWorker creates a worker. inbox and deadLetter may be nil.
func NewWorker(runner *Runner, inbox Deduper, deadLetter Publisher, cfg workerpool.Config, logger *zap.Logger) (*Worker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		runner:     runner,
		inbox:      inbox,
		deadLetter: deadLetter,
		logger:     logger,
	}
	pool, err := workerpool.New(cfg, w.process, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	w.pool = pool
	return w, nil
}

// Start launches the pool
func (w *Worker) Start() { w.pool.Start() }

// Stop drains the pool
func (w *Worker) Stop() error { return w.pool.Stop() }

// HandlePoll processes every record of one poll concurrently. Malformed
// batches go to the dead-letter topic and count as handled; any other
// failure is returned so the offsets stay uncommitted.
func (w *Worker) HandlePoll(ctx context.Context, msgs []*redpanda.ConsumedMessage) error {
	tasks := make([]*workerpool.Task, len(msgs))
	for i, msg := range msgs {
		tasks[i] = &workerpool.Task{
			ID:      SourceOf(msg),
			Payload: msg.Value,
			Context: msg.Context,
		}
	}

	results, err := w.pool.Run(ctx, tasks)
	if err != nil {
		return err
	}

	for i, res := range results {
		if res.Success {
			continue
		}
		msg := msgs[i]
		if !workerpool.IsPermanent(res.Error) {
			return fmt.Errorf("batch %s at %s/%d/%d: %w", tasks[i].ID, msg.Topic, msg.Partition, msg.Offset, res.Error)
		}
		if err := w.publishDeadLetter(ctx, tasks[i].ID, msg, res.Error); err != nil {
			return fmt.Errorf("dead-letter batch %s: %w", tasks[i].ID, err)
		}
	}
	return nil
}

// IsTerminal reports whether a batch error can never succeed on retry. Only
// malformed input is terminal; persistence failures are always retried.
func IsTerminal(err error) bool {
	return errors.Is(err, processor.ErrMalformedLine)
}

// InboxConfig is the inbox configuration for the batch worker. Its terminal
// check matches the worker's own retry decision.
func InboxConfig() idempotency.InboxConfig {
	cfg := idempotency.DefaultInboxConfig()
	cfg.IsTerminal = IsTerminal
	return cfg
}

// SourceOf names a consumed batch by its source header, falling back to the
// record key
func SourceOf(msg *redpanda.ConsumedMessage) string {
	if s := msg.Headers["source"]; s != "" {
		return s
	}
	if len(msg.Key) > 0 {
		return string(msg.Key)
	}
	return "redpanda"
}

func (w *Worker) process(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	source := task.ID
	run := func(ctx context.Context, payload []byte) (json.RawMessage, error) {
		res, err := w.runner.RunLines(ctx, source, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}

	var err error
	if w.inbox == nil {
		_, err = run(ctx, task.Payload)
	} else {
		var pr *idempotency.ProcessResult
		pr, err = w.inbox.Process(ctx, idempotency.GenerateKey(source, task.Payload), handlerName, task.Payload, run)
		if err == nil && !pr.IsNew && !pr.WasRecovered {
			w.logger.Info("duplicate batch skipped", zap.String("source", source))
		}
	}

	switch {
	case err == nil, errors.Is(err, idempotency.ErrDuplicateMessage):
		return &workerpool.Result{Success: true}
	case errors.Is(err, processor.ErrMalformedLine),
		errors.Is(err, idempotency.ErrPreviouslyFailed):
		// a FAILED key is dead-lettered again on redelivery
		return &workerpool.Result{Error: workerpool.Permanent(err)}
	default:
		return &workerpool.Result{Error: err}
	}
}

func (w *Worker) publishDeadLetter(ctx context.Context, source string, msg *redpanda.ConsumedMessage, cause error) error {
	if w.deadLetter == nil {
		w.logger.Warn("dropping malformed batch", zap.String("source", source), zap.Error(cause))
		return nil
	}
	value, err := json.Marshal(DeadLetter{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Source:    source,
		Error:     cause.Error(),
		Payload:   string(msg.Value),
		FailedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return w.deadLetter.Publish(ctx, redpanda.TopicDeadLetter, source, value)
}
