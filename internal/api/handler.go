package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/commit"
	"github.com/medledger/medledger/internal/ingest"
	"github.com/medledger/medledger/internal/ledger"
)

// PoolStats exposes worker pool counters without coupling the handler to
// the pool's lifecycle.
type PoolStats interface {
	Stats() ingest.Stats
}

type Handler struct {
	commits *commit.Service
	queue   ingest.Queue
	pool    PoolStats
	logger  zerolog.Logger
}

func NewHandler(commits *commit.Service, queue ingest.Queue, pool PoolStats, logger zerolog.Logger) *Handler {
	return &Handler{
		commits: commits,
		queue:   queue,
		pool:    pool,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/ingest", h.EnqueueReading)
	api.POST("/ingest/batch", h.EnqueueReadingBatch)

	api.POST("/ledger/verify/:id", h.VerifyRecord)
	api.GET("/ledger/status", h.LedgerStatus)
	api.GET("/ledger/check", h.CheckChain)
	api.GET("/ledger/export", h.ExportChain)
	api.POST("/ledger/import", h.ImportChain)

	api.GET("/pool/stats", h.WorkerStats)
}

// -- Ingestion --

type enqueueResponse struct {
	JobID      string `json:"jobId"`
	QueueDepth int    `json:"queueDepth"`
}

func (h *Handler) EnqueueReading(c echo.Context) error {
	var job ingest.IngestionJob
	if err := c.Bind(&job); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := h.enqueue(&job); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, enqueueResponse{
		JobID:      job.ID,
		QueueDepth: h.queue.Len(),
	})
}

type batchEnqueueResponse struct {
	Accepted   int            `json:"accepted"`
	Rejected   int            `json:"rejected"`
	JobIDs     []string       `json:"jobIds"`
	Failures   map[int]string `json:"failures,omitempty"`
	QueueDepth int            `json:"queueDepth"`
}

func (h *Handler) EnqueueReadingBatch(c echo.Context) error {
	var jobs []ingest.IngestionJob
	if err := c.Bind(&jobs); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(jobs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "empty batch")
	}

	resp := batchEnqueueResponse{JobIDs: make([]string, 0, len(jobs))}
	for i := range jobs {
		if err := h.enqueue(&jobs[i]); err != nil {
			resp.Rejected++
			if resp.Failures == nil {
				resp.Failures = make(map[int]string)
			}
			if httpErr, ok := err.(*echo.HTTPError); ok {
				resp.Failures[i] = httpErr.Message.(string)
			} else {
				resp.Failures[i] = err.Error()
			}
			continue
		}
		resp.Accepted++
		resp.JobIDs = append(resp.JobIDs, jobs[i].ID)
	}
	resp.QueueDepth = h.queue.Len()

	status := http.StatusAccepted
	if resp.Accepted == 0 {
		status = http.StatusBadRequest
	}
	return c.JSON(status, resp)
}

// enqueue stamps server-side fields, validates at the boundary and pushes.
// Validation here keeps malformed readings out of the durable queue so
// workers only ever drop jobs that degraded after acceptance.
func (h *Handler) enqueue(job *ingest.IngestionJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.EnqueuedAt = time.Now().UTC()
	job.RetryCount = 0

	if err := job.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.queue.Push(*job); err != nil {
		if errors.Is(err, ingest.ErrQueueFull) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "ingestion queue is full")
		}
		h.logger.Error().Err(err).Str("job_id", job.ID).Msg("enqueue failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to enqueue reading")
	}
	return nil
}

// -- Ledger --

func (h *Handler) VerifyRecord(c echo.Context) error {
	recordID := c.Param("id")
	if recordID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "record id is required")
	}

	result, err := h.commits.VerifyRecord(c.Request().Context(), recordID)
	if err != nil {
		switch {
		case errors.Is(err, commit.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "record not found")
		case errors.Is(err, ledger.ErrChainIntegrity):
			// Tampering is a finding, not a server failure.
			return c.JSON(http.StatusOK, result)
		default:
			h.logger.Error().Err(err).Str("record_id", recordID).Msg("verification failed")
			return echo.NewHTTPError(http.StatusInternalServerError, "verification failed")
		}
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) LedgerStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.commits.Ledger().Info())
}

func (h *Handler) CheckChain(c echo.Context) error {
	fromIndex := 0
	if raw := c.QueryParam("from"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "from must be a non-negative integer")
		}
		fromIndex = n
	}
	return c.JSON(http.StatusOK, h.commits.Ledger().VerifyChainFormat(fromIndex))
}

func (h *Handler) ExportChain(c echo.Context) error {
	return c.JSON(http.StatusOK, h.commits.Ledger().Export())
}

func (h *Handler) ImportChain(c echo.Context) error {
	var export ledger.ChainExport
	if err := c.Bind(&export); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.commits.Ledger().Import(export); err != nil {
		if errors.Is(err, ledger.ErrMalformedChain) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		h.logger.Error().Err(err).Msg("chain import failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "chain import failed")
	}
	return c.JSON(http.StatusOK, h.commits.Ledger().Info())
}

// -- Workers --

func (h *Handler) WorkerStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.pool.Stats())
}
