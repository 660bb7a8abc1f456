package counts

import (
	"context"
	"fmt"

	"github.com/floorsight/tally/internal/domain"
	"github.com/floorsight/tally/internal/geometry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AssignLocation resolves the location for a point on the plan: locations are
// scanned in creation order and the first whose shape contains the point
// wins. Nil means unassigned.
func (s *Service) AssignLocation(tx *gorm.DB, planID string, point geometry.Point) (*string, error) {
	locations, err := s.loadLocationsForScan(tx, planID)
	if err != nil {
		return nil, err
	}
	return firstMatch(locations, point), nil
}

// ResyncLocation re-scans every stamp of the location's plan against the
// location's current geometry. Stamps now inside it are reassigned to it;
// stamps previously assigned to it but now outside are cleared to unassigned.
// Stamps cleared here are not re-resolved against other locations; a full
// recompute does that. Runs in its own transaction and returns the count
// deltas for the affected keys.
func (s *Service) ResyncLocation(ctx context.Context, location domain.Location) ([]CountDelta, error) {
	shape := location.Shape()
	var deltas []CountDelta

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stamps []domain.Stamp
		if err := tx.Where("plan_id = ?", location.PlanID).Find(&stamps).Error; err != nil {
			return fmt.Errorf("%w: load stamps: %v", domain.ErrStorage, err)
		}

		now := s.clock().UTC().UnixMilli()
		changedKeys := make(map[string][]string) // deviceID -> location keys needing refresh
		for _, stamp := range stamps {
			inside := geometry.Contains(stamp.Point(), shape)
			assignedHere := stamp.LocationID != nil && *stamp.LocationID == location.ID

			var next *string
			switch {
			case inside && !assignedHere:
				id := location.ID
				next = &id
			case !inside && assignedHere:
				next = nil
			default:
				continue
			}

			err := tx.Model(&domain.Stamp{}).Where("id = ?", stamp.ID).
				Updates(map[string]any{"location_id": next, "updated_at_ms": now}).Error
			if err != nil {
				return fmt.Errorf("%w: reassign stamp: %v", domain.ErrStorage, err)
			}
			changedKeys[stamp.DeviceID] = append(changedKeys[stamp.DeviceID],
				domain.LocationKey(stamp.LocationID), domain.LocationKey(next))
		}

		for deviceID, keys := range changedKeys {
			refreshed, err := s.RefreshKeys(tx, location.PlanID, deviceID, keys)
			if err != nil {
				return err
			}
			deltas = append(deltas, refreshed...)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return deltas, nil
}

// loadLocationsForScan fetches the plan's locations in the stable evaluation
// order, with polygon vertex rings attached.
func (s *Service) loadLocationsForScan(tx *gorm.DB, planID string) ([]domain.Location, error) {
	var locations []domain.Location
	if err := tx.Where("plan_id = ?", planID).Order("created_at_ms, id").Find(&locations).Error; err != nil {
		return nil, fmt.Errorf("%w: load locations: %v", domain.ErrStorage, err)
	}
	for i := range locations {
		if locations[i].ShapeType != domain.ShapeTypePolygon {
			continue
		}
		var vertices []domain.LocationVertex
		if err := tx.Where("location_id = ?", locations[i].ID).Order("seq").Find(&vertices).Error; err != nil {
			return nil, fmt.Errorf("%w: load vertices: %v", domain.ErrStorage, err)
		}
		locations[i].Vertices = vertices
	}
	return locations, nil
}

func firstMatch(locations []domain.Location, point geometry.Point) *string {
	for _, location := range locations {
		if geometry.Contains(point, location.Shape()) {
			id := location.ID
			return &id
		}
	}
	return nil
}

// LogResyncFailure records a swallowed maintenance error; the primary write
// has already committed, so resolver failures never surface to the caller.
func (s *Service) LogResyncFailure(locationID string, err error) {
	s.logger.Error("location resync failed",
		zap.String("operation", "counts.resync_location"),
		zap.String("location_id", locationID),
		zap.Error(err))
}
