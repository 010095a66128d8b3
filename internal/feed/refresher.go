package feed

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"attendsync/internal/metrics"
	"attendsync/internal/register"
)

// Source returns metrics for a month.
type Source interface {
	MonthMetrics(ctx context.Context, month string, punchCodes []string) ([]register.MetricsRecord, error)
}

// Sink stores fetched metrics and lists whose metrics to fetch.
type Sink interface {
	ActivePunchCodes(ctx context.Context) ([]string, error)
	UpsertMetrics(ctx context.Context, records []register.MetricsRecord) error
}

// Refresher copies the current and previous month's metrics into the sink.
type Refresher struct {
	source   Source
	sink     Sink
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewRefresher creates a refresher running every interval.
func NewRefresher(source Source, sink Sink, interval time.Duration, logger *zerolog.Logger) *Refresher {
	return &Refresher{
		source:   source,
		sink:     sink,
		interval: interval,
		logger:   logger.With().Str("component", "feed").Logger(),
		now:      time.Now,
	}
}

// Start refreshes immediately and then every interval until ctx ends.
func (r *Refresher) Start(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		r.logger.Error().Err(err).Msg("initial metrics refresh failed")
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Error().Err(err).Msg("metrics refresh failed")
			}
		}
	}
}

// Refresh performs one pull.
func (r *Refresher) Refresh(ctx context.Context) error {
	codes, err := r.sink.ActivePunchCodes(ctx)
	if err != nil {
		metrics.IncFeedRefresh("error")
		return err
	}
	if len(codes) == 0 {
		return nil
	}

	now := r.now()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	months := []string{
		first.AddDate(0, -1, 0).Format(register.MonthLayout),
		first.Format(register.MonthLayout),
	}
	total := 0
	for _, m := range months {
		records, err := r.source.MonthMetrics(ctx, m, codes)
		if err != nil {
			metrics.IncFeedRefresh("error")
			return err
		}
		if err := r.sink.UpsertMetrics(ctx, records); err != nil {
			metrics.IncFeedRefresh("error")
			return err
		}
		total += len(records)
	}
	metrics.IncFeedRefresh("ok")
	r.logger.Debug().Int("records", total).Strs("months", months).Msg("metrics refreshed")
	return nil
}
