package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.QueueSize = 2
	cfg.RetryDelay = time.Millisecond
	cfg.GracefulShutdownTimeout = time.Second
	return cfg
}

func TestNewRequiresWorkerFunc(t *testing.T) {
	if _, err := New(DefaultConfig(), nil, nil); err == nil {
		t.Error("expected error for nil worker function")
	}
}

func TestRunReturnsResultsInOrder(t *testing.T) {
	pool, err := New(testConfig(), func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true, Data: string(task.Payload)}
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()
	defer pool.Stop()

	var tasks []*Task
	for i := 0; i < 10; i++ {
		tasks = append(tasks, &Task{ID: fmt.Sprint(i), Payload: []byte(fmt.Sprint("batch-", i))})
	}
	results, err := pool.Run(context.Background(), tasks)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, r := range results {
		if r.TaskID != fmt.Sprint(i) || r.Data != fmt.Sprint("batch-", i) {
			t.Errorf("result %d = %+v", i, r)
		}
	}
	if got := pool.Stats().TasksCompleted; got != 10 {
		t.Errorf("TasksCompleted = %d, want 10", got)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls int32
	pool, _ := New(testConfig(), func(ctx context.Context, task *Task) *Result {
		if atomic.AddInt32(&calls, 1) < 3 {
			return &Result{Error: errors.New("database unavailable")}
		}
		return &Result{Success: true}
	}, nil)
	pool.Start()
	defer pool.Stop()

	results, err := pool.Run(context.Background(), []*Task{{ID: "t"}})
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].Success || results[0].Attempts != 3 {
		t.Errorf("result = %+v, want success on attempt 3", results[0])
	}
	if got := pool.Stats().TasksRetried; got != 2 {
		t.Errorf("TasksRetried = %d, want 2", got)
	}
}

func TestPermanentFailuresAreNotRetried(t *testing.T) {
	var calls int32
	pool, _ := New(testConfig(), func(ctx context.Context, task *Task) *Result {
		atomic.AddInt32(&calls, 1)
		return &Result{Error: Permanent(errors.New("malformed event line"))}
	}, nil)
	pool.Start()
	defer pool.Stop()

	results, _ := pool.Run(context.Background(), []*Task{{ID: "t"}})
	if results[0].Success || !IsPermanent(results[0].Error) {
		t.Errorf("result = %+v, want permanent failure", results[0])
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRunAfterStop(t *testing.T) {
	pool, _ := New(testConfig(), func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true}
	}, nil)
	pool.Start()
	if err := pool.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Run(context.Background(), []*Task{{ID: "late"}}); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Run after Stop error = %v, want ErrPoolStopped", err)
	}
	if err := pool.Stop(); err != nil {
		t.Errorf("second Stop() = %v", err)
	}
}

func TestRunHonoursContext(t *testing.T) {
	block := make(chan struct{})
	pool, _ := New(testConfig(), func(ctx context.Context, task *Task) *Result {
		<-block
		return &Result{Success: true}
	}, nil)
	pool.Start()
	defer func() {
		close(block)
		pool.Stop()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := pool.Run(ctx, []*Task{{ID: "slow"}}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run error = %v, want deadline exceeded", err)
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	if IsPermanent(errors.New("x")) {
		t.Error("plain error reported as permanent")
	}
}
