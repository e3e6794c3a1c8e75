package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drfirst/rxledger/internal/infrastructure/redpanda"
	"github.com/drfirst/rxledger/pkg/idempotency"
	"github.com/drfirst/rxledger/pkg/workerpool"
)

type recordingPublisher struct {
	mu       sync.Mutex
	err      error
	messages map[string][][]byte
}

func (p *recordingPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.messages == nil {
		p.messages = map[string][][]byte{}
	}
	p.messages[topic] = append(p.messages[topic], value)
	return nil
}

// memoryInbox stores finished results by key and marks terminal handler
// errors FAILED, like the Postgres inbox
type memoryInbox struct {
	mu         sync.Mutex
	isTerminal func(error) bool
	results    map[string]json.RawMessage
	failed     map[string]bool
	runs       int
}

func (i *memoryInbox) Process(ctx context.Context, key, handlerName string, payload []byte, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.results == nil {
		i.results = map[string]json.RawMessage{}
		i.failed = map[string]bool{}
	}
	if res, ok := i.results[key]; ok {
		return &idempotency.ProcessResult{Result: res}, nil
	}
	if i.failed[key] {
		return nil, fmt.Errorf("%w: %s", idempotency.ErrPreviouslyFailed, key)
	}
	i.runs++
	res, err := fn(ctx, payload)
	if err != nil {
		if i.isTerminal != nil && i.isTerminal(err) {
			i.failed[key] = true
		}
		return nil, err
	}
	i.results[key] = res
	return &idempotency.ProcessResult{IsNew: true, Result: res}, nil
}

func newTestWorker(t *testing.T, store Store, inbox Deduper, pub Publisher) *Worker {
	t.Helper()
	cfg := workerpool.DefaultConfig()
	cfg.Workers = 2
	cfg.RetryDelay = time.Millisecond
	cfg.MaxRetries = 1
	w, err := NewWorker(NewRunner(store, nil, nil), inbox, pub, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	t.Cleanup(func() { w.Stop() })
	return w
}

func message(offset int64, source, body string) *redpanda.ConsumedMessage {
	return &redpanda.ConsumedMessage{
		Topic:   redpanda.TopicBatches,
		Offset:  offset,
		Key:     []byte("key-" + source),
		Value:   []byte(body),
		Headers: map[string]string{"source": source},
	}
}

func TestHandlePollDeadLettersMalformedBatches(t *testing.T) {
	store := &memoryStore{}
	pub := &recordingPublisher{}
	w := newTestWorker(t, store, nil, pub)

	err := w.HandlePoll(context.Background(), []*redpanda.ConsumedMessage{
		message(1, "good.txt", canonicalInput),
		message(2, "bad.txt", "Nick A created\nNick A\n"),
	})
	if err != nil {
		t.Fatalf("HandlePoll: %v", err)
	}

	if len(store.batches) != 1 {
		t.Errorf("persisted batches = %d, want 1", len(store.batches))
	}
	dead := pub.messages[redpanda.TopicDeadLetter]
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	var dl DeadLetter
	if err := json.Unmarshal(dead[0], &dl); err != nil {
		t.Fatal(err)
	}
	if dl.Source != "bad.txt" || dl.Offset != 2 || !strings.Contains(dl.Error, "malformed event line 2") {
		t.Errorf("dead letter = %+v", dl)
	}
}

func TestHandlePollReturnsDeadLetterFailure(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	w := newTestWorker(t, nil, nil, pub)

	err := w.HandlePoll(context.Background(), []*redpanda.ConsumedMessage{message(7, "bad.txt", "x\n")})
	if err == nil {
		t.Error("expected error so offsets stay uncommitted")
	}
}

func TestHandlePollReturnsTransientFailure(t *testing.T) {
	store := &memoryStore{saveErr: errors.New("connection reset")}
	w := newTestWorker(t, store, nil, nil)

	err := w.HandlePoll(context.Background(), []*redpanda.ConsumedMessage{message(3, "good.txt", canonicalInput)})
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("error = %v", err)
	}
}

func TestHandlePollSkipsDuplicates(t *testing.T) {
	store := &memoryStore{}
	inbox := &memoryInbox{}
	w := newTestWorker(t, store, inbox, nil)

	for i := 0; i < 2; i++ {
		if err := w.HandlePoll(context.Background(), []*redpanda.ConsumedMessage{message(int64(i), "same.txt", canonicalInput)}); err != nil {
			t.Fatal(err)
		}
	}
	if inbox.runs != 1 || len(store.batches) != 1 {
		t.Errorf("runs = %d, batches = %d, want one of each", inbox.runs, len(store.batches))
	}
}

func TestHandlePollRedeliveredFailedBatchIsDeadLettered(t *testing.T) {
	inbox := &memoryInbox{isTerminal: IsTerminal}
	pub := &recordingPublisher{err: errors.New("broker down")}
	w := newTestWorker(t, nil, inbox, pub)
	bad := message(4, "bad.txt", "Nick A created\nNick A\n")

	if err := w.HandlePoll(context.Background(), []*redpanda.ConsumedMessage{bad}); err == nil {
		t.Fatal("expected error while the dead-letter topic is down")
	}
	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()

	if err := w.HandlePoll(context.Background(), []*redpanda.ConsumedMessage{bad}); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if inbox.runs != 1 {
		t.Errorf("runs = %d, want 1", inbox.runs)
	}
	dead := pub.messages[redpanda.TopicDeadLetter]
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	var dl DeadLetter
	if err := json.Unmarshal(dead[0], &dl); err != nil {
		t.Fatal(err)
	}
	if dl.Source != "bad.txt" || dl.Offset != 4 || !strings.Contains(dl.Error, "previously failed") {
		t.Errorf("dead letter = %+v", dl)
	}
}

func TestHandlePollRetriesPersistErrorThatLooksTerminal(t *testing.T) {
	saveErr := errors.New(`invalid byte sequence for encoding "UTF8": 0x00`)
	store := &memoryStore{saveErr: saveErr}
	inbox := &memoryInbox{isTerminal: InboxConfig().IsTerminal}
	pub := &recordingPublisher{}
	w := newTestWorker(t, store, inbox, pub)
	good := message(5, "good.txt", canonicalInput)

	if err := w.HandlePoll(context.Background(), []*redpanda.ConsumedMessage{good}); err == nil {
		t.Fatal("expected persist error so offsets stay uncommitted")
	}
	store.mu.Lock()
	store.saveErr = nil
	store.mu.Unlock()

	if err := w.HandlePoll(context.Background(), []*redpanda.ConsumedMessage{good}); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(store.batches) != 1 {
		t.Errorf("persisted batches = %d, want 1", len(store.batches))
	}
	if len(pub.messages[redpanda.TopicDeadLetter]) != 0 {
		t.Error("a well-formed batch must not be dead-lettered")
	}
}

func TestIsTerminal(t *testing.T) {
	_, err := NewRunner(nil, nil, nil).RunLines(context.Background(), "bad.txt", strings.NewReader("Nick A\n"))
	if err == nil {
		t.Fatal("expected malformed line error")
	}
	if !IsTerminal(fmt.Errorf("run: %w", err)) {
		t.Errorf("IsTerminal(%v) = false, want true", err)
	}
	for _, err := range []error{
		errors.New(`invalid byte sequence for encoding "UTF8": 0x00`),
		errors.New("relation rx_batches not found"),
		errors.New("connection reset"),
	} {
		if IsTerminal(err) {
			t.Errorf("IsTerminal(%q) = true, want false", err)
		}
		if InboxConfig().IsTerminal(err) {
			t.Errorf("inbox IsTerminal(%q) = true, want false", err)
		}
	}
}

func TestSourceOf(t *testing.T) {
	if got := SourceOf(&redpanda.ConsumedMessage{Headers: map[string]string{"source": "a.txt"}, Key: []byte("k")}); got != "a.txt" {
		t.Errorf("header source = %q", got)
	}
	if got := SourceOf(&redpanda.ConsumedMessage{Key: []byte("k")}); got != "k" {
		t.Errorf("key source = %q", got)
	}
	if got := SourceOf(&redpanda.ConsumedMessage{}); got != "redpanda" {
		t.Errorf("default source = %q", got)
	}
}
