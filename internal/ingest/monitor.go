package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/platform/audit"
)

// Monitor periodically reports pool throughput, error counts and queue
// depth, and raises a warning when the depth crosses the configured
// threshold. It only reads queue length and counters, so it never blocks
// producers.
type Monitor struct {
	pool      *Pool
	interval  time.Duration
	threshold int
	sink      audit.Sink
	logger    zerolog.Logger
	stop      chan struct{}
	once      sync.Once
	wg        sync.WaitGroup
}

func newMonitor(pool *Pool, interval time.Duration, threshold int, sink audit.Sink, logger zerolog.Logger) *Monitor {
	return &Monitor{
		pool:      pool,
		interval:  interval,
		threshold: threshold,
		sink:      sink,
		logger:    logger.With().Str("component", "ingest-monitor").Logger(),
		stop:      make(chan struct{}),
	}
}

func (m *Monitor) start() {
	m.wg.Add(1)
	go m.run()
}

func (m *Monitor) stopMonitor() {
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.report()
		}
	}
}

func (m *Monitor) report() {
	stats := m.pool.Stats()

	evt := m.logger.Info().
		Str("uptime", stats.Uptime).
		Uint64("processed", stats.Processed).
		Uint64("errors", stats.Errors).
		Uint64("dead_lettered", stats.DeadLettered).
		Int("queue_depth", stats.QueueDepth)
	if !stats.LastProcessed.IsZero() {
		evt = evt.Time("last_processed", stats.LastProcessed)
	}
	evt.Msg("ingestion status")

	if stats.QueueDepth > m.threshold {
		m.logger.Warn().
			Int("queue_depth", stats.QueueDepth).
			Int("threshold", m.threshold).
			Msg("queue depth above threshold")
		event := audit.NewQueueDepthEvent(stats.QueueDepth)
		if err := m.sink.Record(context.Background(), event); err != nil {
			m.logger.Error().Err(err).Msg("failed to record queue depth event")
		}
	}
}
