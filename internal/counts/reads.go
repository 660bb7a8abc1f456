package counts

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/floorsight/tally/internal/domain"
	"gorm.io/gorm"
)

// CountRow is one (device, location) aggregate in the plan read contract.
type CountRow struct {
	DeviceID    string  `json:"device_id"`
	LocationID  *string `json:"location_id"`
	Total       int64   `json:"total"`
	UpdatedAtMS int64   `json:"updated_at_ms"`
}

// PlanCounts is the cached read contract for a plan: per-key rows, per-device
// totals, the max contributing timestamp, and a content fingerprint that is
// stable across calls with no intervening writes.
type PlanCounts struct {
	PlanID         string           `json:"plan_id"`
	Rows           []CountRow       `json:"rows"`
	DeviceTotals   map[string]int64 `json:"device_totals"`
	MaxUpdatedAtMS int64            `json:"max_updated_at_ms"`
	Fingerprint    string           `json:"fingerprint"`
}

// GetCount returns the materialized total for one key, or 0 when no row exists.
func (s *Service) GetCount(ctx context.Context, planID, deviceID string, locationID *string) (int64, error) {
	var entry domain.CountEntry
	err := s.db.WithContext(ctx).
		Where("plan_id = ? AND device_id = ? AND location_id = ?", planID, deviceID, domain.LocationKey(locationID)).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: load count entry: %v", domain.ErrStorage, err)
	}
	return entry.Total, nil
}

// GetCountsForPlan returns every count row for the plan plus derived totals
// and the caching fingerprint.
func (s *Service) GetCountsForPlan(ctx context.Context, planID string) (PlanCounts, error) {
	var entries []domain.CountEntry
	err := s.db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Order("device_id, location_id").
		Find(&entries).Error
	if err != nil {
		return PlanCounts{}, fmt.Errorf("%w: load count entries: %v", domain.ErrStorage, err)
	}

	result := PlanCounts{
		PlanID:       planID,
		Rows:         make([]CountRow, 0, len(entries)),
		DeviceTotals: make(map[string]int64),
	}
	for _, entry := range entries {
		result.Rows = append(result.Rows, CountRow{
			DeviceID:    entry.DeviceID,
			LocationID:  domain.LocationRef(entry.LocationID),
			Total:       entry.Total,
			UpdatedAtMS: entry.UpdatedAtMS,
		})
		result.DeviceTotals[entry.DeviceID] += entry.Total
		if entry.UpdatedAtMS > result.MaxUpdatedAtMS {
			result.MaxUpdatedAtMS = entry.UpdatedAtMS
		}
	}
	result.Fingerprint = fingerprint(entries, result.MaxUpdatedAtMS)
	return result, nil
}

func fingerprint(entries []domain.CountEntry, maxUpdatedAtMS int64) string {
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, fmt.Sprintf("%s|%s|%d", entry.DeviceID, entry.LocationID, entry.Total))
	}
	sort.Strings(lines)

	hasher := fnv.New64a()
	for _, line := range lines {
		fmt.Fprintln(hasher, line)
	}
	fmt.Fprintf(hasher, "@%d", maxUpdatedAtMS)
	return fmt.Sprintf("%016x", hasher.Sum64())
}
