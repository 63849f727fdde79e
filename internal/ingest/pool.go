package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/commit"
	"github.com/medledger/medledger/internal/ledger"
	"github.com/medledger/medledger/internal/platform/audit"
)

// Committer is the write-path collaborator that turns one payload into a
// committed, hashed record. Satisfied by commit.Service.
type Committer interface {
	Commit(ctx context.Context, resourceType, recordID string, payload map[string]any) (*commit.CommitResult, error)
}

// Config tunes the worker pool.
type Config struct {
	Workers         int
	BatchSize       int
	MaxRetries      int
	PopTimeout      time.Duration // bounded queue wait, keeps workers responsive to shutdown
	CommitTimeout   time.Duration // per-item storage deadline, distinct from the queue wait
	DrainTimeout    time.Duration // shutdown window for in-flight batches
	QueueDepthWarn  int
	MonitorInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = time.Second
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 10 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.QueueDepthWarn <= 0 {
		c.QueueDepthWarn = 1000
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 60 * time.Second
	}
}

// Stats is a snapshot of pool counters for the monitor and the stats API.
type Stats struct {
	Processed     uint64    `json:"processed"`
	Errors        uint64    `json:"errors"`
	Retried       uint64    `json:"retried"`
	DeadLettered  uint64    `json:"dead_lettered"`
	Dropped       uint64    `json:"dropped"`
	QueueDepth    int       `json:"queue_depth"`
	LastProcessed time.Time `json:"last_processed,omitempty"`
	Uptime        string    `json:"uptime"`
}

// Pool drains the shared job queue with a fixed set of workers, committing
// each job through the Committer with retry and dead-letter semantics.
// Worker errors are contained per item and never crash the pool.
type Pool struct {
	cfg       Config
	queue     Queue
	committer Committer
	sink      audit.Sink
	logger    zerolog.Logger

	processed    atomic.Uint64
	errCount     atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
	dropped      atomic.Uint64
	lastNano     atomic.Int64

	started time.Time
	stop    chan struct{}
	wg      sync.WaitGroup
	monitor *Monitor
	once    sync.Once
}

// NewPool creates a worker pool. The pool does not run until Start.
func NewPool(cfg Config, queue Queue, committer Committer, sink audit.Sink, logger zerolog.Logger) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		cfg:       cfg,
		queue:     queue,
		committer: committer,
		sink:      sink,
		logger:    logger.With().Str("component", "ingest-pool").Logger(),
		stop:      make(chan struct{}),
	}
	p.monitor = newMonitor(p, cfg.MonitorInterval, cfg.QueueDepthWarn, sink, logger)
	return p
}

// Start launches the workers and the monitor.
func (p *Pool) Start() {
	p.started = time.Now()
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.monitor.start()
	p.logger.Info().
		Int("workers", p.cfg.Workers).
		Int("batch_size", p.cfg.BatchSize).
		Int("max_retries", p.cfg.MaxRetries).
		Msg("worker pool started")
}

// Stop halts new dequeues and waits up to the drain window for in-flight
// batches to finish.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.stop) })
	p.monitor.stopMonitor()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info().Msg("worker pool drained")
	case <-time.After(p.cfg.DrainTimeout):
		p.logger.Warn().Dur("drain_timeout", p.cfg.DrainTimeout).Msg("worker pool drain window elapsed")
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	s := Stats{
		Processed:    p.processed.Load(),
		Errors:       p.errCount.Load(),
		Retried:      p.retried.Load(),
		DeadLettered: p.deadLettered.Load(),
		Dropped:      p.dropped.Load(),
		QueueDepth:   p.queue.Len(),
		Uptime:       time.Since(p.started).Truncate(time.Second).String(),
	}
	if nano := p.lastNano.Load(); nano > 0 {
		s.LastProcessed = time.Unix(0, nano).UTC()
	}
	return s
}

// worker: Idle -> Draining(batch) -> Processing(item) ->
// {Committed | Retrying | DeadLettered} -> Idle. The stop signal is
// observed at the top of each batch fetch; an in-flight batch finishes.
func (p *Pool) worker(id int) {
	defer p.wg.Done()
	logger := p.logger.With().Int("worker", id).Logger()

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		batch := p.drainBatch()
		if len(batch) == 0 {
			continue
		}
		for i := range batch {
			p.process(logger, &batch[i])
		}
	}
}

// drainBatch blocks for one job with the bounded pop timeout, then greedily
// accumulates up to batchSize items without further blocking.
func (p *Pool) drainBatch() []IngestionJob {
	first, ok := p.queue.PopBlocking(p.cfg.PopTimeout)
	if !ok {
		return nil
	}
	batch := make([]IngestionJob, 0, p.cfg.BatchSize)
	batch = append(batch, first)
	for len(batch) < p.cfg.BatchSize {
		job, ok := p.queue.PopBlocking(time.Millisecond)
		if !ok {
			break
		}
		batch = append(batch, job)
	}
	return batch
}

func (p *Pool) process(logger zerolog.Logger, job *IngestionJob) {
	if err := job.Validate(); err != nil {
		// Unfixable input: dropped, not retried.
		p.dropped.Add(1)
		logger.Warn().Err(err).Str("job_id", job.ID).Msg("job failed validation, dropped")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CommitTimeout)
	res, err := p.committer.Commit(ctx, job.ResourceType(), job.RecordID, job.Payload)
	cancel()

	if err == nil {
		p.processed.Add(1)
		p.lastNano.Store(time.Now().UnixNano())
		logger.Debug().
			Str("job_id", job.ID).
			Str("record_id", res.RecordID).
			Int("block_height", res.BlockHeight).
			Msg("job committed")
		return
	}

	if errors.Is(err, ledger.ErrHashComputation) {
		// Canonicalization or digest failure cannot be fixed by retrying.
		p.errCount.Add(1)
		logger.Error().Err(err).Str("job_id", job.ID).Msg("hash computation failed, job abandoned")
		return
	}

	if job.RetryCount < p.cfg.MaxRetries {
		job.RetryCount++
		p.retried.Add(1)
		if pushErr := p.queue.Push(*job); pushErr != nil {
			p.deadLetter(logger, job, pushErr)
			return
		}
		logger.Warn().Err(err).
			Str("job_id", job.ID).
			Int("retry_count", job.RetryCount).
			Msg("commit failed, job re-enqueued")
		return
	}

	p.deadLetter(logger, job, err)
}

func (p *Pool) deadLetter(logger zerolog.Logger, job *IngestionJob, cause error) {
	p.errCount.Add(1)
	p.deadLettered.Add(1)
	logger.Error().Err(cause).
		Str("job_id", job.ID).
		Str("device_id", job.DeviceID).
		Str("patient_ref", job.PatientRef).
		Int("retry_count", job.RetryCount).
		Msg("job dead-lettered after exhausting retries")

	event := audit.NewDeadLetterEvent(job.ID, job.DeviceID, job.RetryCount, cause.Error())
	if err := p.sink.Record(context.Background(), event); err != nil {
		logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to record dead-letter event")
	}
}
