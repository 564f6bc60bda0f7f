package export

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mixstream/engage-export/pkg/storage"
	"github.com/mixstream/engage-export/pkg/transform"
)

// writeTask is the unit handed to the writer: one page's transformed
// records plus enough bookkeeping to report its outcome. Owned by the
// coordinator until enqueued; the writer owns it after dequeue.
type writeTask struct {
	records []transform.Record
	meta    storage.TableMetadata
	pageIdx int
	rows    int
}

// tableWriter drains write tasks in FIFO order and is the only actor that
// ever touches the storage engine during an export.
type tableWriter struct {
	store     TableStore
	table     string
	append    bool
	batchSize int
	agg       *aggregate
	logger    zerolog.Logger

	// tableCreated flips after the first successful write; every write
	// after that is an append regardless of the spec's flag.
	tableCreated bool
}

// run consumes tasks until the queue is closed. A failed write marks only
// that task's page as failed; the writer keeps going.
func (w *tableWriter) run(queue <-chan writeTask, done chan<- struct{}) {
	defer close(done)
	for task := range queue {
		w.writePage(task.pageIdx, task.records, task.meta)
	}
}

// writePage writes one page's records. An empty page is a trivial success
// with zero rows.
func (w *tableWriter) writePage(pageIdx int, records []transform.Record, meta storage.TableMetadata) {
	if len(records) == 0 {
		w.agg.pageSucceeded(pageIdx, 0)
		return
	}

	var rows int
	var err error
	if !w.tableCreated && !w.append {
		rows, err = w.store.CreateTable(w.table, records, meta, w.batchSize)
	} else {
		rows, err = w.store.AppendTable(w.table, records, meta, w.batchSize)
	}

	if err != nil {
		exportPagesTotal.WithLabelValues("write_failed").Inc()
		w.logger.Error().
			Err(err).
			Int("page", pageIdx).
			Msg("Page write failed")
		w.agg.pageFailed(pageIdx, fmt.Errorf("write failed: %w", err))
		return
	}

	w.tableCreated = true
	exportPagesTotal.WithLabelValues("written").Inc()
	exportRowsWrittenTotal.Add(float64(rows))

	w.logger.Debug().
		Int("page", pageIdx).
		Int("rows", rows).
		Msg("Page written")
	w.agg.pageSucceeded(pageIdx, rows)
}
