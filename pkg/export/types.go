package export

import (
	"context"
	"time"

	"github.com/mixstream/engage-export/pkg/engage"
	"github.com/mixstream/engage-export/pkg/storage"
	"github.com/mixstream/engage-export/pkg/transform"
)

// PageFetcher is the remote page client the coordinator consumes.
// Implementations must be safe for concurrent calls.
type PageFetcher interface {
	FetchPage(ctx context.Context, req engage.PageRequest) (*engage.Page, error)
}

// TableStore is the local storage engine the coordinator consumes.
// Implementations are NOT safe for concurrent invocation; the coordinator
// guarantees a single caller structurally.
type TableStore interface {
	CreateTable(name string, records []transform.Record, meta storage.TableMetadata, batchSize int) (int, error)
	AppendTable(name string, records []transform.Record, meta storage.TableMetadata, batchSize int) (int, error)
}

// ProgressFunc receives a PageProgress after each page's outcome is final.
// Invoked synchronously; it must not block significantly or it delays the
// writer and coordinator.
type ProgressFunc func(PageProgress)

// FetchSpec describes one export invocation. Immutable once passed to
// Fetch; shared read-only across all workers.
type FetchSpec struct {
	// Table is the destination table name.
	Table string

	// Where is an optional filter expression.
	Where string

	// CohortID optionally restricts the export to one cohort.
	CohortID string

	// OutputProperties optionally limits which properties are exported.
	OutputProperties []string

	// Append appends to an existing table instead of creating a new one.
	Append bool

	// MaxWorkers is the requested fetch concurrency. Capped at 5.
	MaxWorkers int

	// BatchSize is the rows-per-commit granularity for storage writes.
	BatchSize int

	// OnPageComplete is an optional progress sink.
	OnPageComplete ProgressFunc
}

// PageProgress is a point-in-time report for one page, emitted at most
// once per page after its fetch-or-write outcome is final.
type PageProgress struct {
	// PageIndex is the page this report covers.
	PageIndex int

	// TotalPages is the total page count, nil until the final page has
	// been discovered.
	TotalPages *int

	// Rows written for this page. Zero on failure or an empty page.
	Rows int

	// Success reports whether the page was fetched and written.
	Success bool

	// Error holds the failure text when Success is false.
	Error string

	// CumulativeRows is the running total of rows written across the
	// whole export at the time of this report.
	CumulativeRows int
}

// ExportResult is the terminal aggregate of one export.
type ExportResult struct {
	// Table is the destination table name.
	Table string

	// TotalRows is the number of rows written across all pages.
	TotalRows int

	// SuccessfulPages counts pages fetched and written without error.
	SuccessfulPages int

	// FailedPages counts pages that failed to fetch or write.
	FailedPages int

	// FailedPageIndices lists failed pages in ascending order. A caller
	// can re-request these out-of-band.
	FailedPageIndices []int

	// Duration is the wall-clock time of the export.
	Duration time.Duration

	// FetchedAt is when the export completed.
	FetchedAt time.Time
}
