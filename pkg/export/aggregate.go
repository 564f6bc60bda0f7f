package export

import (
	"sort"
	"sync"
	"time"
)

// aggregate owns the counters mutated from fetch completions and the
// writer. A single mutex guards them; progress callbacks fire outside the
// lock with a consistent snapshot.
type aggregate struct {
	mu                sync.Mutex
	totalRows         int
	successfulPages   int
	failedPages       int
	failedPageIndices []int
	totalPages        *int

	onPage ProgressFunc
}

func newAggregate(onPage ProgressFunc) *aggregate {
	return &aggregate{onPage: onPage}
}

// setTotalPages records the discovered page count once a page reports no
// further pages exist.
func (a *aggregate) setTotalPages(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.totalPages == nil {
		a.totalPages = &n
	}
}

// pageSucceeded records rows written for one page and emits progress.
func (a *aggregate) pageSucceeded(pageIdx, rows int) {
	a.mu.Lock()
	a.totalRows += rows
	a.successfulPages++
	cumulative := a.totalRows
	total := a.totalPages
	a.mu.Unlock()

	a.notify(PageProgress{
		PageIndex:      pageIdx,
		TotalPages:     total,
		Rows:           rows,
		Success:        true,
		CumulativeRows: cumulative,
	})
}

// pageFailed records one failed page and emits progress.
func (a *aggregate) pageFailed(pageIdx int, err error) {
	a.mu.Lock()
	a.failedPages++
	a.failedPageIndices = append(a.failedPageIndices, pageIdx)
	cumulative := a.totalRows
	total := a.totalPages
	a.mu.Unlock()

	a.notify(PageProgress{
		PageIndex:      pageIdx,
		TotalPages:     total,
		Success:        false,
		Error:          err.Error(),
		CumulativeRows: cumulative,
	})
}

func (a *aggregate) notify(progress PageProgress) {
	if a.onPage != nil {
		a.onPage(progress)
	}
}

// result builds the terminal ExportResult.
func (a *aggregate) result(table string, start time.Time) *ExportResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	failed := make([]int, len(a.failedPageIndices))
	copy(failed, a.failedPageIndices)
	sort.Ints(failed)

	completedAt := time.Now().UTC()
	return &ExportResult{
		Table:             table,
		TotalRows:         a.totalRows,
		SuccessfulPages:   a.successfulPages,
		FailedPages:       a.failedPages,
		FailedPageIndices: failed,
		Duration:          completedAt.Sub(start),
		FetchedAt:         completedAt,
	}
}
