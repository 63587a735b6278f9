package maintenance

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"codebox/internal/config"
	"codebox/internal/storage"
)

// Job names.
const (
	JobKVPurge       = "kv-purge"
	JobSpareEviction = "spare-eviction"
	JobStatsLog      = "stats-log"
)

// SpareEvicter drops idle pre-warmed runtimes.
type SpareEvicter interface {
	EvictIdle() int
}

// PurgeExpiredKV deletes expired kv entries.
func PurgeExpiredKV(db *storage.DB, logger zerolog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		if db == nil {
			return errors.New("kv store unavailable")
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := db.KVCleanExpired()
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info().Int64("purged", n).Msg("expired kv entries removed")
		}
		return nil
	}
}

// EvictIdleSpares drops spare runtimes that sat unused past their idle timeout.
func EvictIdleSpares(pool SpareEvicter, logger zerolog.Logger) func(context.Context) error {
	return func(context.Context) error {
		if n := pool.EvictIdle(); n > 0 {
			logger.Debug().Int("evicted", n).Msg("idle spare runtimes evicted")
		}
		return nil
	}
}

// LogStats writes the snapshot returned by stats as a single info line.
func LogStats(stats func() any, logger zerolog.Logger) func(context.Context) error {
	return func(context.Context) error {
		logger.Info().Interface("stats", stats()).Msg("service stats")
		return nil
	}
}

// Deps carries what the standard job set operates on. Nil members disable
// the jobs that need them.
type Deps struct {
	DB     *storage.DB
	Spares SpareEvicter
	Stats  func() any
}

// Register adds the standard jobs configured in cfg.
func Register(s *Scheduler, cfg config.MaintenanceConfig, deps Deps, logger zerolog.Logger) error {
	var jobs []Job
	if deps.DB != nil {
		jobs = append(jobs, Job{Name: JobKVPurge, Schedule: cfg.KVPurge, Run: PurgeExpiredKV(deps.DB, logger)})
	}
	if deps.Spares != nil {
		jobs = append(jobs, Job{Name: JobSpareEviction, Schedule: cfg.SpareEviction, Run: EvictIdleSpares(deps.Spares, logger)})
	}
	if deps.Stats != nil {
		jobs = append(jobs, Job{Name: JobStatsLog, Schedule: cfg.StatsLog, Run: LogStats(deps.Stats, logger)})
	}
	for _, job := range jobs {
		if err := s.Add(job); err != nil {
			return err
		}
	}
	return nil
}
