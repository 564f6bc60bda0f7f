// Command engage-export exports user profiles from the analytics API into
// a local DuckDB table.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mixstream/engage-export/pkg/engage"
	"github.com/mixstream/engage-export/pkg/export"
	"github.com/mixstream/engage-export/pkg/logging"
	"github.com/mixstream/engage-export/pkg/quota"
	"github.com/mixstream/engage-export/pkg/storage"
)

func main() {
	var (
		table        = flag.String("table", "", "destination table name (required)")
		dbPath       = flag.String("db", "profiles.duckdb", "path to the DuckDB database file")
		where        = flag.String("where", "", "filter expression applied server side")
		cohort       = flag.String("cohort", "", "cohort id to restrict the export to")
		outputProps  = flag.String("output-properties", "", "comma-separated properties to export")
		workers      = flag.Int("workers", 5, "fetch concurrency (capped at 5)")
		batchSize    = flag.Int("batch-size", 1000, "rows per storage commit")
		appendMode   = flag.Bool("append", false, "append to an existing table")
		enforceQuota = flag.Bool("enforce-quota", false, "reject requests locally once the hourly quota is exhausted")
		metricsAddr  = flag.String("metrics-addr", "", "expose Prometheus metrics on this address while the export runs")
		logLevel     = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		pretty       = flag.Bool("pretty", false, "human-readable log output")
	)
	flag.Parse()

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(*logLevel),
		Pretty: *pretty,
		Output: os.Stderr,
	})

	if *table == "" {
		fmt.Fprintln(os.Stderr, "Usage: engage-export -table <name> [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	username := os.Getenv("MIXPANEL_SA_USERNAME")
	secret := os.Getenv("MIXPANEL_SA_SECRET")
	projectID := os.Getenv("MIXPANEL_PROJECT_ID")
	if username == "" || secret == "" || projectID == "" {
		logger.Fatal().Msg("MIXPANEL_SA_USERNAME, MIXPANEL_SA_SECRET and MIXPANEL_PROJECT_ID must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := engage.DefaultConfig(username, secret, projectID)
	if baseURL := os.Getenv("MIXPANEL_BASE_URL"); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.EnforceQuota = *enforceQuota

	// The quota tracker is optional: without Redis the export still runs,
	// it just loses the shared hourly budget view.
	if redisURL := getEnv("REDIS_URL", ""); redisURL != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     redisURL,
			Password: getEnv("REDIS_PASSWORD", ""),
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", redisURL).Msg("Redis unreachable, quota tracking disabled")
		} else {
			cfg.Quota = quota.NewTracker(redisClient, logging.NewLogger("quota"))
		}
	}

	client, err := engage.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create API client")
	}

	engine, err := storage.Open(*dbPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *dbPath).Msg("Failed to open database")
	}
	defer engine.Close()

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn().Err(err).Str("addr", *metricsAddr).Msg("Metrics server stopped")
			}
		}()
		logger.Info().Str("addr", *metricsAddr).Msg("Serving Prometheus metrics")
	}

	svc := export.NewService(client, engine)

	spec := export.FetchSpec{
		Table:            *table,
		Where:            *where,
		CohortID:         *cohort,
		OutputProperties: splitProperties(*outputProps),
		Append:           *appendMode,
		MaxWorkers:       *workers,
		BatchSize:        *batchSize,
		OnPageComplete: func(p export.PageProgress) {
			fmt.Fprintln(os.Stderr, renderProgress(p))
		},
	}

	result, err := svc.Fetch(ctx, spec)
	if result != nil {
		fmt.Println(renderSummary(result))
	}
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn().Msg("Export interrupted, partial result written")
			os.Exit(130)
		}
		logger.Fatal().Err(err).Msg("Export failed")
	}
	if result.FailedPages > 0 {
		os.Exit(1)
	}
}

// renderProgress formats one page outcome for the progress stream.
func renderProgress(p export.PageProgress) string {
	total := "?"
	if p.TotalPages != nil {
		total = fmt.Sprintf("%d", *p.TotalPages)
	}
	if !p.Success {
		return fmt.Sprintf("page %d/%s: FAILED (%s)", p.PageIndex+1, total, p.Error)
	}
	return fmt.Sprintf("page %d/%s: %d rows (%d total)", p.PageIndex+1, total, p.Rows, p.CumulativeRows)
}

// renderSummary formats the terminal export result.
func renderSummary(r *export.ExportResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Exported %d rows to %q in %s\n", r.TotalRows, r.Table, r.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "Pages: %d succeeded, %d failed", r.SuccessfulPages, r.FailedPages)
	if len(r.FailedPageIndices) > 0 {
		fmt.Fprintf(&b, " %v", r.FailedPageIndices)
	}
	return b.String()
}

// splitProperties parses the comma-separated -output-properties value.
func splitProperties(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	props := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			props = append(props, trimmed)
		}
	}
	return props
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
