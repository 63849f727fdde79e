package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/commit"
	"github.com/medledger/medledger/internal/ledger"
	"github.com/medledger/medledger/internal/platform/audit"
)

// =========== Mocks ===========

type fakeCommitter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *fakeCommitter) Commit(_ context.Context, _, recordID string, _ map[string]any) (*commit.CommitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	if recordID == "" {
		recordID = fmt.Sprintf("rec-%d", c.calls)
	}
	return &commit.CommitResult{RecordID: recordID, Hash: "deadbeef", BlockHeight: c.calls}, nil
}

func (c *fakeCommitter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func testPool(t *testing.T, cfg Config, committer Committer, sink audit.Sink) (*Pool, *MemoryQueue) {
	t.Helper()
	if cfg.PopTimeout == 0 {
		cfg.PopTimeout = 20 * time.Millisecond
	}
	if cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = time.Hour
	}
	q := NewMemoryQueue(64)
	return NewPool(cfg, q, committer, sink, zerolog.Nop()), q
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// =========== Processing ===========

func TestPool_CommitsJobs(t *testing.T) {
	committer := &fakeCommitter{}
	p, q := testPool(t, Config{Workers: 2, BatchSize: 4}, committer, audit.NewMemorySink())

	for i := 0; i < 10; i++ {
		job := validJob()
		job.ID = fmt.Sprintf("job-%d", i)
		if err := q.Push(job); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	p.Start()
	waitFor(t, func() bool { return p.Stats().Processed == 10 }, "jobs were not all processed")
	p.Stop()

	stats := p.Stats()
	if stats.Errors != 0 || stats.DeadLettered != 0 || stats.Dropped != 0 {
		t.Errorf("unexpected failure counters: %+v", stats)
	}
	if stats.QueueDepth != 0 {
		t.Errorf("expected drained queue, depth %d", stats.QueueDepth)
	}
	if stats.LastProcessed.IsZero() {
		t.Error("last processed timestamp not recorded")
	}
}

func TestPool_RetriesThenDeadLettersOnce(t *testing.T) {
	committer := &fakeCommitter{err: errors.New("storage down")}
	sink := audit.NewMemorySink()
	p, q := testPool(t, Config{Workers: 1, BatchSize: 1, MaxRetries: 3}, committer, sink)

	if err := q.Push(validJob()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.Start()
	waitFor(t, func() bool { return p.Stats().DeadLettered == 1 }, "job was never dead-lettered")
	p.Stop()

	// Initial attempt plus one per retry.
	if got := committer.callCount(); got != 4 {
		t.Errorf("expected 4 commit attempts, got %d", got)
	}
	stats := p.Stats()
	if stats.Retried != 3 {
		t.Errorf("expected 3 retries, got %d", stats.Retried)
	}
	if stats.DeadLettered != 1 {
		t.Errorf("expected exactly one dead-letter, got %d", stats.DeadLettered)
	}

	events := sink.ByType(audit.EventDeadLetter)
	if len(events) != 1 {
		t.Fatalf("expected one dead-letter event, got %d", len(events))
	}
	if events[0].JobID != "job-1" || events[0].RetryCount != 3 {
		t.Errorf("unexpected dead-letter event: %+v", events[0])
	}
}

func TestPool_DropsInvalidJobs(t *testing.T) {
	committer := &fakeCommitter{}
	sink := audit.NewMemorySink()
	p, q := testPool(t, Config{Workers: 1, BatchSize: 1}, committer, sink)

	bad := validJob()
	bad.Kind = "unknown-kind"
	if err := q.Push(bad); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.Start()
	waitFor(t, func() bool { return p.Stats().Dropped == 1 }, "invalid job was not dropped")
	p.Stop()

	if got := committer.callCount(); got != 0 {
		t.Errorf("invalid job must not reach the committer, got %d calls", got)
	}
	if len(sink.ByType(audit.EventDeadLetter)) != 0 {
		t.Error("dropped job must not produce a dead-letter event")
	}
}

func TestPool_AbandonsHashFailures(t *testing.T) {
	committer := &fakeCommitter{err: fmt.Errorf("canonical form: %w", ledger.ErrHashComputation)}
	p, q := testPool(t, Config{Workers: 1, BatchSize: 1, MaxRetries: 3}, committer, audit.NewMemorySink())

	if err := q.Push(validJob()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.Start()
	waitFor(t, func() bool { return p.Stats().Errors == 1 }, "hash failure was not counted")
	p.Stop()

	if got := committer.callCount(); got != 1 {
		t.Errorf("hash failures must not be retried, got %d attempts", got)
	}
	if stats := p.Stats(); stats.Retried != 0 || stats.DeadLettered != 0 {
		t.Errorf("unexpected retry counters: %+v", stats)
	}
}

// =========== Shutdown ===========

func TestPool_StopDrainsInFlightBatch(t *testing.T) {
	committer := &fakeCommitter{}
	p, q := testPool(t, Config{Workers: 2, BatchSize: 4, DrainTimeout: 2 * time.Second}, committer, audit.NewMemorySink())

	for i := 0; i < 8; i++ {
		if err := q.Push(validJob()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	p.Start()
	waitFor(t, func() bool { return p.Stats().Processed > 0 }, "no jobs processed before stop")
	p.Stop()

	// A second Stop must be a no-op.
	p.Stop()

	stats := p.Stats()
	if stats.Processed+uint64(stats.QueueDepth) != 8 {
		t.Errorf("jobs lost during shutdown: processed=%d depth=%d", stats.Processed, stats.QueueDepth)
	}
}

// =========== End to end ===========

func TestPool_ChainsCommitsThroughService(t *testing.T) {
	led := ledger.New(zerolog.Nop())
	store := commit.NewInMemoryStore()
	svc := commit.NewService(led, store, zerolog.Nop())
	p, q := testPool(t, Config{Workers: 3, BatchSize: 5}, svc, audit.NewMemorySink())

	const n = 12
	for i := 0; i < n; i++ {
		job := validJob()
		job.ID = fmt.Sprintf("job-%d", i)
		job.Payload = map[string]any{"hr": 60 + i}
		if err := q.Push(job); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	p.Start()
	waitFor(t, func() bool { return p.Stats().Processed == n }, "jobs were not all committed")
	p.Stop()

	if got := led.Height(); got != n {
		t.Errorf("expected chain height %d, got %d", n, got)
	}
	if res := led.VerifyChainFormat(0); !res.Valid {
		t.Errorf("chain format check failed: %s", res.Message)
	}
}

// =========== Monitor ===========

func TestMonitor_ReportsQueueDepthWarning(t *testing.T) {
	committer := &fakeCommitter{}
	sink := audit.NewMemorySink()
	p, q := testPool(t, Config{Workers: 1, QueueDepthWarn: 2}, committer, sink)

	for i := 0; i < 5; i++ {
		if err := q.Push(validJob()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// Depth 5 exceeds the threshold of 2; report without starting workers.
	p.monitor.report()

	events := sink.ByType(audit.EventQueueDepth)
	if len(events) != 1 {
		t.Fatalf("expected one queue depth event, got %d", len(events))
	}
	if events[0].QueueDepth != 5 {
		t.Errorf("expected recorded depth 5, got %d", events[0].QueueDepth)
	}
}

func TestMonitor_NoWarningBelowThreshold(t *testing.T) {
	committer := &fakeCommitter{}
	sink := audit.NewMemorySink()
	p, _ := testPool(t, Config{Workers: 1, QueueDepthWarn: 100}, committer, sink)

	p.monitor.report()

	if len(sink.ByType(audit.EventQueueDepth)) != 0 {
		t.Error("no queue depth event expected below threshold")
	}
}
