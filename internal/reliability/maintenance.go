// Package reliability runs the ambient maintenance work that keeps the
// sqlite fleet healthy: WAL checkpoints, integrity checks, and retention
// pruning of time-bounded rows.
package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperasset/sentinel/internal/database"
	"github.com/rs/zerolog"
)

// RetentionPruner deletes a batch of rows older than a cutoff from one table.
// cmd/gateway builds one pruner per table (news items, disclosure items,
// chart condition hits, delivery log) so MaintenanceJob stays ignorant of
// schema details.
type RetentionPruner struct {
	Name  string
	Table string
	Query string // DELETE statement taking a single cutoff-time arg ("YYYY-MM-DD HH:MM:SS")
	DB    *database.DB
}

// Prune runs the pruner's delete statement against rows older than cutoff.
func (p RetentionPruner) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.DB.Conn().ExecContext(ctx, p.Query, cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", p.Table, err)
	}
	return res.RowsAffected()
}

// MaintenanceJob performs the daily upkeep pass across every managed database:
// integrity check, WAL checkpoint, then retention pruning.
type MaintenanceJob struct {
	databases       map[string]*database.DB
	pruners         []RetentionPruner
	retentionPeriod time.Duration
	log             zerolog.Logger
}

// NewMaintenanceJob constructs a MaintenanceJob over the given named databases
// and retention pruners, applying retentionPeriod as the cutoff age.
func NewMaintenanceJob(databases map[string]*database.DB, pruners []RetentionPruner, retentionDays int, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		databases:       databases,
		pruners:         pruners,
		retentionPeriod: time.Duration(retentionDays) * 24 * time.Hour,
		log:             log.With().Str("job", "maintenance").Logger(),
	}
}

// Run executes integrity checks, WAL checkpoints, and retention pruning in
// sequence. It continues past per-database failures, logging and returning
// the first error encountered.
func (j *MaintenanceJob) Run(ctx context.Context) error {
	j.log.Info().Msg("starting daily maintenance")
	start := time.Now()
	var firstErr error

	for name, db := range j.databases {
		if err := db.HealthCheck(ctx); err != nil {
			j.log.Error().Err(err).Str("database", name).Msg("integrity check failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Error().Err(err).Str("database", name).Msg("wal checkpoint failed")
			if firstErr == nil {
				firstErr = err
			}
		}

		if stats, err := db.GetStats(); err != nil {
			j.log.Warn().Err(err).Str("database", name).Msg("failed to collect database stats")
		} else {
			j.log.Info().
				Str("database", name).
				Int64("size_bytes", stats.SizeBytes).
				Int64("wal_size_bytes", stats.WALSizeBytes).
				Int64("freelist_count", stats.FreelistCount).
				Msg("database stats")

			// A large freelist relative to total pages means VACUUM would
			// actually reclaim space; on content.db and vectors.db churn
			// from expired cache rows and superseded embeddings builds this
			// up fast, so only the cache profile reclaims automatically.
			if stats.PageCount > 0 && db.Profile() == database.ProfileCache {
				freePct := float64(stats.FreelistCount) / float64(stats.PageCount)
				if freePct > 0.25 {
					if err := db.Vacuum(); err != nil {
						j.log.Warn().Err(err).Str("database", name).Msg("vacuum failed")
					} else {
						j.log.Info().Str("database", name).Float64("freelist_fraction", freePct).Msg("vacuum complete")
					}
				}
			}
		}
	}

	if j.retentionPeriod > 0 {
		cutoff := time.Now().Add(-j.retentionPeriod)
		for _, pruner := range j.pruners {
			deleted, err := pruner.Prune(ctx, cutoff)
			if err != nil {
				j.log.Error().Err(err).Str("pruner", pruner.Name).Msg("retention prune failed")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if deleted > 0 {
				j.log.Info().Str("pruner", pruner.Name).Int64("rows_deleted", deleted).Msg("retention prune complete")
			}
		}
	}

	j.log.Info().Dur("duration_ms", time.Since(start)).Msg("daily maintenance complete")
	return firstErr
}
