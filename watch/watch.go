// mirror/watch/watch.go
package watch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vinizap/lumi/mirror/domain"
	"github.com/vinizap/lumi/mirror/pipeline"
	"github.com/vinizap/lumi/mirror/quota"
)

type Syncer interface {
	Refetch(ctx context.Context, id string) (<-chan domain.Event, error)
}

type Lister interface {
	List(ctx context.Context) ([]*domain.Resource, error)
}

type QuotaSource interface {
	Stats(ctx context.Context) (quota.Stats, error)
}

// Round summarizes one pass over the library.
type Round struct {
	Postponed bool
	Updated   int
	UpToDate  int
	Skipped   int
	Failed    int
}

// Watcher refetches every indexed resource on a fixed interval.
type Watcher struct {
	sync     Syncer
	library  Lister
	quota    QuotaSource
	interval time.Duration
	log      zerolog.Logger
}

func New(sync Syncer, library Lister, q QuotaSource, interval time.Duration) *Watcher {
	return &Watcher{
		sync:     sync,
		library:  library,
		quota:    q,
		interval: interval,
		log:      log.With().Str("component", "watch").Logger(),
	}
}

// Start runs rounds until ctx is done. A non-positive interval disables the
// watcher.
func (w *Watcher) Start(ctx context.Context) {
	if w.interval <= 0 {
		return
	}
	w.log.Info().Dur("interval", w.interval).Msg("auto-refetch enabled")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r, err := w.RunOnce(ctx)
			if err != nil {
				w.log.Error().Err(err).Msg("auto-refetch round failed")
				continue
			}
			w.log.Info().
				Bool("postponed", r.Postponed).
				Int("updated", r.Updated).
				Int("up_to_date", r.UpToDate).
				Int("skipped", r.Skipped).
				Int("failed", r.Failed).
				Msg("auto-refetch round finished")
		}
	}
}

// RunOnce refetches each resource in turn. The round is postponed while the
// quota is critical, and resources already being synced are skipped.
func (w *Watcher) RunOnce(ctx context.Context) (Round, error) {
	var r Round
	if w.quota != nil {
		stats, err := w.quota.Stats(ctx)
		if err != nil {
			return r, err
		}
		if stats.Status == quota.StatusCritical {
			w.log.Warn().Int("critical_percent", stats.CriticalPercent).Msg("quota critical, postponing round")
			r.Postponed = true
			return r, nil
		}
	}

	recs, err := w.library.List(ctx)
	if err != nil {
		return r, err
	}
	for _, rec := range recs {
		if ctx.Err() != nil {
			return r, ctx.Err()
		}
		events, err := w.sync.Refetch(ctx, rec.ID)
		if errors.Is(err, pipeline.ErrSyncInProgress) {
			r.Skipped++
			continue
		}
		if err != nil {
			w.log.Warn().Err(err).Str("resource", rec.ID).Msg("refetch not started")
			r.Failed++
			continue
		}
		_, done, err := pipeline.Collect(events)
		switch {
		case err != nil:
			w.log.Warn().Err(err).Str("resource", rec.ID).Msg("refetch failed")
			r.Failed++
		case done.Outcome == domain.OutcomeUpToDate:
			r.UpToDate++
		default:
			r.Updated++
		}
	}
	return r, nil
}
