package export

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mixstream/engage-export/pkg/engage"
	"github.com/mixstream/engage-export/pkg/storage"
	"github.com/mixstream/engage-export/pkg/transform"
)

// Prometheus metrics for export operations.
var (
	exportPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "export_pages_total",
		Help: "Total pages by outcome (fetched, fetch_failed, written, write_failed)",
	}, []string{"outcome"})

	exportRowsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "export_rows_written_total",
		Help: "Total profile rows written to local storage",
	})

	exportDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "export_duration_seconds",
		Help:    "Wall-clock duration of whole exports",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
	})

	exportFetchesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "export_fetches_in_flight",
		Help: "Profile page fetches currently in flight",
	})
)

const (
	// maxWorkersCap bounds fetch concurrency. Profile export is deliberately
	// more conservative than other export kinds: each worker consumes the
	// scarce hourly request quota.
	maxWorkersCap = 5

	// defaultWorkers is used when the spec requests no particular count.
	defaultWorkers = 5

	// defaultBatchSize is the rows-per-commit granularity.
	defaultBatchSize = 1000

	// quotaWarnPageThreshold triggers a single warning per export once this
	// many pages have been discovered (60 requests/hour provider limit).
	quotaWarnPageThreshold = 48

	// maxConsecutiveFetchFailures stops frontier exploration once this many
	// fetches fail back to back. One flaky page must not truncate an export,
	// but a dead endpoint must not chase page indices forever either.
	maxConsecutiveFetchFailures = 3
)

// Service is the parallel fetch coordinator.
type Service struct {
	client PageFetcher
	store  TableStore
	logger zerolog.Logger
}

// NewService creates a new export service.
func NewService(client PageFetcher, store TableStore) *Service {
	return &Service{
		client: client,
		store:  store,
		logger: log.With().Str("component", "export").Logger(),
	}
}

// fetchOutcome carries one page's fetch result from a worker back to the
// coordinator. Exactly one of page/err is set.
type fetchOutcome struct {
	pageIdx int
	page    *engage.Page
	err     error
}

// Fetch exports profiles per spec and returns the aggregated result.
//
// Failure of page 0 is fatal: without it there is no session token, so the
// export aborts with an error and no result. Every other failure (a later
// page's fetch, any page's write) is recorded in the result and the export
// continues.
//
// Cancelling ctx stops page submission and queue blocking; the partial
// result gathered so far is returned together with the context's error.
func (s *Service) Fetch(ctx context.Context, spec FetchSpec) (*ExportResult, error) {
	start := time.Now()

	workers := spec.MaxWorkers
	if workers <= 0 {
		workers = defaultWorkers
	}
	if workers > maxWorkersCap {
		workers = maxWorkersCap
	}

	batchSize := spec.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	logger := s.logger.With().Str("table", spec.Table).Logger()
	logger.Info().
		Int("workers", workers).
		Bool("append", spec.Append).
		Msg("Starting parallel profile export")

	// Page 0 is fetched synchronously: it is the only source of the
	// session token, so failure here aborts the whole export.
	page0, err := s.client.FetchPage(ctx, pageRequest(spec, 0, ""))
	if err != nil {
		exportPagesTotal.WithLabelValues("fetch_failed").Inc()
		return nil, fmt.Errorf("fetch page 0: %w", err)
	}
	exportPagesTotal.WithLabelValues("fetched").Inc()
	session := page0.SessionID

	agg := newAggregate(spec.OnPageComplete)
	writer := &tableWriter{
		store:     s.store,
		table:     spec.Table,
		append:    spec.Append,
		batchSize: batchSize,
		agg:       agg,
		logger:    logger,
	}

	if !page0.HasMore {
		agg.setTotalPages(1)
	}

	// Page 0 is written directly: no workers exist yet. A write failure
	// here is not fatal - the session token was still obtained.
	writer.writePage(0, transform.Profiles(page0.Profiles), tableMetadata(spec))

	if !page0.HasMore {
		result := agg.result(spec.Table, start)
		exportDurationSeconds.Observe(result.Duration.Seconds())
		logger.Info().
			Int("total_rows", result.TotalRows).
			Dur("duration", result.Duration).
			Msg("Export complete (single page)")
		return result, nil
	}

	// Single writer goroutine: the storage engine forbids concurrent
	// writers, so every page's write funnels through this queue. The
	// bounded capacity is the backpressure on fetch workers.
	queue := make(chan writeTask, workers*2)
	writerDone := make(chan struct{})
	go writer.run(queue, writerDone)

	// Fetch pool. The semaphore bounds in-flight page requests; outcomes
	// buffer up to one per worker so a blocked coordinator never deadlocks
	// a fetch goroutine.
	sem := make(chan struct{}, workers)
	outcomes := make(chan fetchOutcome, workers)

	inFlight := 0
	maxSubmitted := 0
	morePages := true
	pagesDiscovered := 1 // page 0
	consecutiveFailures := 0
	warnedAboutQuota := false
	cancelled := false

	submit := func(pageIdx int) {
		inFlight++
		maxSubmitted = pageIdx
		go func() {
			sem <- struct{}{}
			defer func() { <-sem }()

			exportFetchesInFlight.Inc()
			defer exportFetchesInFlight.Dec()

			page, err := s.client.FetchPage(ctx, pageRequest(spec, pageIdx, session))
			outcomes <- fetchOutcome{pageIdx: pageIdx, page: page, err: err}
		}()
	}

	// Pages are discovered in increasing index order: page N+1 is only
	// known to be worth requesting after observing page N. Start with
	// page 1 and submit one new index per completion.
	submit(1)

	for inFlight > 0 {
		outcome := <-outcomes
		inFlight--

		if ctx.Err() != nil {
			cancelled = true
		}

		if outcome.err != nil {
			exportPagesTotal.WithLabelValues("fetch_failed").Inc()
			logger.Warn().
				Err(outcome.err).
				Int("page", outcome.pageIdx).
				Msg("Page fetch failed")
			agg.pageFailed(outcome.pageIdx, outcome.err)

			// A transient failure on one page must not truncate the whole
			// export: keep exploring unless a page already reported the end
			// of the sequence or failures are piling up back to back.
			consecutiveFailures++
			if morePages && !cancelled && consecutiveFailures < maxConsecutiveFetchFailures {
				submit(maxSubmitted + 1)
			}
			continue
		}

		exportPagesTotal.WithLabelValues("fetched").Inc()
		pagesDiscovered++
		consecutiveFailures = 0

		if !warnedAboutQuota && pagesDiscovered >= quotaWarnPageThreshold {
			warnedAboutQuota = true
			logger.Warn().
				Int("pages_discovered", pagesDiscovered).
				Msg("Large profile export may exceed the hourly request quota - consider a cohort filter or output properties to narrow the dataset")
		}

		if outcome.page.HasMore {
			if morePages && !cancelled {
				submit(maxSubmitted + 1)
			}
		} else {
			morePages = false
			agg.setTotalPages(outcome.pageIdx + 1)
		}

		task := writeTask{
			records: transform.Profiles(outcome.page.Profiles),
			meta:    tableMetadata(spec),
			pageIdx: outcome.pageIdx,
			rows:    len(outcome.page.Profiles),
		}

		if cancelled {
			agg.pageFailed(outcome.pageIdx, ctx.Err())
			continue
		}

		// Blocking send: a full queue holds the coordinator (and with it,
		// new submissions) until the writer catches up.
		select {
		case queue <- task:
		case <-ctx.Done():
			cancelled = true
			agg.pageFailed(outcome.pageIdx, ctx.Err())
		}
	}

	// Typed end-of-stream: closing the queue tells the writer to finish
	// draining and exit.
	close(queue)
	<-writerDone

	result := agg.result(spec.Table, start)
	exportDurationSeconds.Observe(result.Duration.Seconds())

	logger.Info().
		Int("total_rows", result.TotalRows).
		Int("successful_pages", result.SuccessfulPages).
		Int("failed_pages", result.FailedPages).
		Dur("duration", result.Duration).
		Msg("Export complete")

	if cancelled {
		return result, ctx.Err()
	}
	return result, nil
}

// pageRequest builds the remote request for one page of the export.
func pageRequest(spec FetchSpec, pageIdx int, session string) engage.PageRequest {
	return engage.PageRequest{
		Page:             pageIdx,
		SessionID:        session,
		Where:            spec.Where,
		CohortID:         spec.CohortID,
		OutputProperties: spec.OutputProperties,
	}
}

// tableMetadata builds the storage metadata recorded with every write.
func tableMetadata(spec FetchSpec) storage.TableMetadata {
	return storage.TableMetadata{
		Kind:        "profiles",
		FetchedAt:   time.Now().UTC(),
		FilterWhere: spec.Where,
	}
}
