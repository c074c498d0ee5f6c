package control

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxd/sandboxd/internal/common/logger"
	"github.com/sandboxd/sandboxd/internal/common/settings"
	"github.com/sandboxd/sandboxd/internal/events/bus"
	"github.com/sandboxd/sandboxd/internal/mission"
	"github.com/sandboxd/sandboxd/internal/mission/store"
)

// staleSweepInterval is how often the background sweeper looks for
// still-active missions that stopped making progress.
const staleSweepInterval = 30 * time.Minute

// RecoveryConfig tunes startup recovery.
type RecoveryConfig struct {
	// RTKEnabled and MaxParallelMissions are published to the process-wide
	// settings snapshot so synchronous call sites see them immediately.
	RTKEnabled          bool
	MaxParallelMissions int
}

// RunStartupRecovery reconciles store state before the HTTP surface opens:
// missions left Active by a previous process are orphans (the process died
// mid-turn) and become Interrupted; empty untitled placeholders are
// compacted. Because missions stay Pending until their first dispatch, a
// just-created mission can never be misclassified here.
func RunStartupRecovery(ctx context.Context, st store.Store, eventBus bus.Bus, cfg RecoveryConfig, log *logger.Logger) error {
	log = log.WithFields(zap.String("component", "startup-recovery"))

	active, err := st.GetAllActiveMissions(ctx)
	if err != nil {
		return err
	}
	for _, m := range active {
		if err := st.UpdateMissionStatus(ctx, m.ID, mission.StatusInterrupted, mission.ReasonOrphanedOnStartup); err != nil {
			log.Warn("failed to mark orphaned mission",
				zap.String("mission_id", m.ID),
				zap.Error(err))
			continue
		}
		log.Info("marked orphaned mission as interrupted", zap.String("mission_id", m.ID))
		ev := mission.NewMissionStatusChangedEvent(m.ID, mission.StatusInterrupted, "orphaned on startup")
		eventBus.Publish(ev)
		if err := st.LogEvent(ctx, m.ID, ev); err != nil {
			log.Warn("failed to log orphan transition", zap.Error(err))
		}
	}

	count, err := st.DeleteEmptyUntitledMissionsExcluding(ctx, nil)
	if err != nil {
		log.Warn("failed to compact placeholder missions", zap.Error(err))
	} else if count > 0 {
		log.Info("compacted placeholder missions", zap.Int("count", count))
	}

	settings.Publish(settings.Snapshot{
		RTKEnabled:          cfg.RTKEnabled,
		MaxParallelMissions: cfg.MaxParallelMissions,
	})

	return nil
}

// StartStaleSweeper periodically marks Active missions older than the
// configured horizon as Interrupted. Returns when ctx is done.
func StartStaleSweeper(ctx context.Context, st store.Store, eventBus bus.Bus, staleHours int, log *logger.Logger) {
	log = log.WithFields(zap.String("component", "stale-sweeper"))
	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale, err := st.GetStaleActiveMissions(ctx, staleHours)
			if err != nil {
				log.Warn("failed to query stale missions", zap.Error(err))
				continue
			}
			for _, m := range stale {
				if err := st.UpdateMissionStatus(ctx, m.ID, mission.StatusInterrupted, mission.ReasonOrphanedOnStartup); err != nil {
					log.Warn("failed to interrupt stale mission",
						zap.String("mission_id", m.ID),
						zap.Error(err))
					continue
				}
				log.Info("interrupted stale mission",
					zap.String("mission_id", m.ID),
					zap.Time("last_update", m.UpdatedAt))
				eventBus.Publish(mission.NewMissionStatusChangedEvent(m.ID, mission.StatusInterrupted, "stale"))
			}
		}
	}
}
