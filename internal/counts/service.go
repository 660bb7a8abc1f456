package counts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/floorsight/tally/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("database handle is required")

// CountDelta describes one changed count key, emitted after a write commits.
type CountDelta struct {
	PlanID      string
	DeviceID    string
	LocationID  *string
	Total       int64
	UpdatedAtMS int64
}

// Publisher receives count deltas for fan-out. Implementations must not block.
type Publisher interface {
	PublishCountDelta(delta CountDelta)
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service maintains the materialized count table and resolves stamp
// assignments against location geometry.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("counts: %w", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// DB exposes the underlying handle for callers composing transactions.
func (s *Service) DB() *gorm.DB {
	return s.db
}

// RefreshKeys recomputes the count rows for the given location keys of one
// (plan, device) pair inside the caller's transaction. A key whose total
// drops to zero has its row deleted. Returns one delta per refreshed key.
func (s *Service) RefreshKeys(tx *gorm.DB, planID, deviceID string, locationKeys []string) ([]CountDelta, error) {
	now := s.clock().UTC().UnixMilli()
	seen := make(map[string]struct{}, len(locationKeys))
	deltas := make([]CountDelta, 0, len(locationKeys))

	for _, key := range locationKeys {
		if _, done := seen[key]; done {
			continue
		}
		seen[key] = struct{}{}

		var total int64
		query := tx.Model(&domain.Stamp{}).Where("plan_id = ? AND device_id = ?", planID, deviceID)
		if key == domain.UnassignedLocationKey {
			query = query.Where("location_id IS NULL")
		} else {
			query = query.Where("location_id = ?", key)
		}
		if err := query.Count(&total).Error; err != nil {
			return nil, fmt.Errorf("%w: count stamps: %v", domain.ErrStorage, err)
		}

		if total == 0 {
			err := tx.Where("plan_id = ? AND device_id = ? AND location_id = ?", planID, deviceID, key).
				Delete(&domain.CountEntry{}).Error
			if err != nil {
				return nil, fmt.Errorf("%w: delete count entry: %v", domain.ErrStorage, err)
			}
		} else {
			entry := domain.CountEntry{
				PlanID:      planID,
				DeviceID:    deviceID,
				LocationID:  key,
				Total:       total,
				UpdatedAtMS: now,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "plan_id"}, {Name: "device_id"}, {Name: "location_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"total", "updated_at_ms"}),
			}).Create(&entry).Error
			if err != nil {
				return nil, fmt.Errorf("%w: upsert count entry: %v", domain.ErrStorage, err)
			}
		}

		deltas = append(deltas, CountDelta{
			PlanID:      planID,
			DeviceID:    deviceID,
			LocationID:  domain.LocationRef(key),
			Total:       total,
			UpdatedAtMS: now,
		})
	}
	return deltas, nil
}

// RecomputeCountsForPlan is the authoritative fallback: it re-resolves every
// stamp assignment first-match-wins, rebuilds all count rows for the plan
// from scratch, and returns the number of rows produced. Transactional and
// idempotent.
func (s *Service) RecomputeCountsForPlan(ctx context.Context, planID string) (int64, error) {
	var rows int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locations, err := s.loadLocationsForScan(tx, planID)
		if err != nil {
			return err
		}

		var stamps []domain.Stamp
		if err := tx.Where("plan_id = ?", planID).Order("created_at_ms, id").Find(&stamps).Error; err != nil {
			return fmt.Errorf("%w: load stamps: %v", domain.ErrStorage, err)
		}

		// Each row's timestamp is the max updated_at_ms of its contributing
		// stamps, so recomputing with no intervening writes reproduces the
		// rows exactly.
		now := s.clock().UTC().UnixMilli()
		totals := make(map[countKey]countRollup, len(stamps))
		for _, stamp := range stamps {
			resolved := firstMatch(locations, stamp.Point())
			if domain.LocationKey(resolved) != domain.LocationKey(stamp.LocationID) {
				err := tx.Model(&domain.Stamp{}).Where("id = ?", stamp.ID).
					Updates(map[string]any{"location_id": resolved, "updated_at_ms": now}).Error
				if err != nil {
					return fmt.Errorf("%w: reassign stamp: %v", domain.ErrStorage, err)
				}
				stamp.LocationID = resolved
				stamp.UpdatedAtMS = now
			}
			key := countKey{deviceID: stamp.DeviceID, locationKey: domain.LocationKey(stamp.LocationID)}
			rollup := totals[key]
			rollup.total++
			if stamp.UpdatedAtMS > rollup.updatedAtMS {
				rollup.updatedAtMS = stamp.UpdatedAtMS
			}
			totals[key] = rollup
		}

		if err := tx.Where("plan_id = ?", planID).Delete(&domain.CountEntry{}).Error; err != nil {
			return fmt.Errorf("%w: clear count entries: %v", domain.ErrStorage, err)
		}

		for key, rollup := range totals {
			entry := domain.CountEntry{
				PlanID:      planID,
				DeviceID:    key.deviceID,
				LocationID:  key.locationKey,
				Total:       rollup.total,
				UpdatedAtMS: rollup.updatedAtMS,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return fmt.Errorf("%w: insert count entry: %v", domain.ErrStorage, err)
			}
		}
		rows = int64(len(totals))
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	s.logger.Info("count recompute completed",
		zap.String("plan_id", planID),
		zap.Int64("rows_updated", rows))
	return rows, nil
}

type countKey struct {
	deviceID    string
	locationKey string
}

type countRollup struct {
	total       int64
	updatedAtMS int64
}
