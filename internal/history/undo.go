package history

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/floorsight/tally/internal/counts"
	"github.com/floorsight/tally/internal/domain"
	"gorm.io/gorm"
)

func (c *Coordinator) undoStamp(tx *gorm.DB, entry domain.RevisionEntry) ([]counts.CountDelta, error) {
	switch entry.ActionType {
	case domain.ActionTypeCreate:
		return c.undoStampCreate(tx, entry)
	case domain.ActionTypeUpdate:
		return c.undoStampUpdate(tx, entry)
	case domain.ActionTypeDelete:
		return c.undoStampDelete(tx, entry)
	default:
		return nil, fmt.Errorf("%w: unknown action type %q", domain.ErrStorage, entry.ActionType)
	}
}

// Undoing a create deletes the stamp; any revisions it still carries go with it.
func (c *Coordinator) undoStampCreate(tx *gorm.DB, entry domain.RevisionEntry) ([]counts.CountDelta, error) {
	var stamp domain.Stamp
	err := tx.Where("id = ?", entry.EntityID).Take(&stamp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: stamp %s", domain.ErrNotFound, entry.EntityID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load stamp: %v", domain.ErrStorage, err)
	}

	if err := tx.Delete(&domain.Stamp{}, "id = ?", stamp.ID).Error; err != nil {
		return nil, fmt.Errorf("%w: delete stamp: %v", domain.ErrStorage, err)
	}
	if err := cascadeEntityRevisions(tx, stamp.ID, entry.ID); err != nil {
		return nil, err
	}
	return c.counts.RefreshKeys(tx, stamp.PlanID, stamp.DeviceID,
		[]string{domain.LocationKey(stamp.LocationID)})
}

func (c *Coordinator) undoStampUpdate(tx *gorm.DB, entry domain.RevisionEntry) ([]counts.CountDelta, error) {
	snapshot, err := decodeStampSnapshot(entry)
	if err != nil {
		return nil, err
	}

	var stamp domain.Stamp
	err = tx.Where("id = ?", entry.EntityID).Take(&stamp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: stamp %s", domain.ErrNotFound, entry.EntityID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load stamp: %v", domain.ErrStorage, err)
	}
	previousKey := domain.LocationKey(stamp.LocationID)

	// Mutable fields only; createdAt is never touched by undo.
	updates := map[string]any{
		"location_id":   snapshot.LocationID,
		"page":          snapshot.Page,
		"x":             snapshot.X,
		"y":             snapshot.Y,
		"scale":         snapshot.Scale,
		"updated_at_ms": snapshot.UpdatedAtMS,
	}
	if err := tx.Model(&domain.Stamp{}).Where("id = ?", stamp.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("%w: restore stamp: %v", domain.ErrStorage, err)
	}
	return c.counts.RefreshKeys(tx, stamp.PlanID, stamp.DeviceID,
		[]string{previousKey, domain.LocationKey(snapshot.LocationID)})
}

func (c *Coordinator) undoStampDelete(tx *gorm.DB, entry domain.RevisionEntry) ([]counts.CountDelta, error) {
	snapshot, err := decodeStampSnapshot(entry)
	if err != nil {
		return nil, err
	}

	stamp := domain.Stamp{
		ID:          entry.EntityID,
		PlanID:      snapshot.PlanID,
		DeviceID:    snapshot.DeviceID,
		LocationID:  snapshot.LocationID,
		Page:        snapshot.Page,
		X:           snapshot.X,
		Y:           snapshot.Y,
		Scale:       snapshot.Scale,
		CreatedAtMS: snapshot.CreatedAtMS,
		UpdatedAtMS: snapshot.UpdatedAtMS,
	}
	if err := tx.Create(&stamp).Error; err != nil {
		return nil, fmt.Errorf("%w: reinsert stamp: %v", domain.ErrStorage, err)
	}
	return c.counts.RefreshKeys(tx, stamp.PlanID, stamp.DeviceID,
		[]string{domain.LocationKey(stamp.LocationID)})
}

func (c *Coordinator) undoLocation(tx *gorm.DB, entry domain.RevisionEntry) ([]counts.CountDelta, *domain.Location, error) {
	switch entry.ActionType {
	case domain.ActionTypeCreate:
		deltas, err := c.undoLocationCreate(tx, entry)
		return deltas, nil, err
	case domain.ActionTypeUpdate:
		return c.undoLocationRestore(tx, entry, false)
	case domain.ActionTypeDelete:
		return c.undoLocationRestore(tx, entry, true)
	default:
		return nil, nil, fmt.Errorf("%w: unknown action type %q", domain.ErrStorage, entry.ActionType)
	}
}

// Undoing a create deletes the location and its vertex rows; stamps assigned
// to it fall back to unassigned, mirroring the set-null cascade.
func (c *Coordinator) undoLocationCreate(tx *gorm.DB, entry domain.RevisionEntry) ([]counts.CountDelta, error) {
	var location domain.Location
	err := tx.Where("id = ?", entry.EntityID).Take(&location).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: location %s", domain.ErrNotFound, entry.EntityID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load location: %v", domain.ErrStorage, err)
	}

	deltas, err := clearLocationAssignments(tx, c, location)
	if err != nil {
		return nil, err
	}

	if err := tx.Delete(&domain.LocationVertex{}, "location_id = ?", location.ID).Error; err != nil {
		return nil, fmt.Errorf("%w: delete vertices: %v", domain.ErrStorage, err)
	}
	if err := tx.Delete(&domain.Location{}, "id = ?", location.ID).Error; err != nil {
		return nil, fmt.Errorf("%w: delete location: %v", domain.ErrStorage, err)
	}
	if err := cascadeEntityRevisions(tx, location.ID, entry.ID); err != nil {
		return nil, err
	}
	return deltas, nil
}

// undoLocationRestore reverts an update or delete from the snapshot. For a
// delete undo the row is re-inserted first; for both, polygon vertex rows are
// replaced wholesale. The restored location is returned so the caller can
// rescan the plan's stamps against the recovered geometry after commit.
func (c *Coordinator) undoLocationRestore(tx *gorm.DB, entry domain.RevisionEntry, reinsert bool) ([]counts.CountDelta, *domain.Location, error) {
	snapshot, err := decodeLocationSnapshot(entry)
	if err != nil {
		return nil, nil, err
	}

	location := domain.Location{
		ID:          entry.EntityID,
		PlanID:      snapshot.PlanID,
		Name:        snapshot.Name,
		Color:       snapshot.Color,
		Revision:    snapshot.Revision,
		CreatedAtMS: snapshot.CreatedAtMS,
		UpdatedAtMS: snapshot.UpdatedAtMS,
	}
	domain.ApplyShape(&location, snapshot.Shape.Shape)

	if reinsert {
		if err := tx.Create(&location).Error; err != nil {
			return nil, nil, fmt.Errorf("%w: reinsert location: %v", domain.ErrStorage, err)
		}
	} else {
		var existing domain.Location
		err := tx.Where("id = ?", entry.EntityID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("%w: location %s", domain.ErrNotFound, entry.EntityID)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: load location: %v", domain.ErrStorage, err)
		}
		updates := map[string]any{
			"name":          location.Name,
			"shape_type":    location.ShapeType,
			"rect_x":        location.RectX,
			"rect_y":        location.RectY,
			"rect_width":    location.RectWidth,
			"rect_height":   location.RectHeight,
			"color":         location.Color,
			"revision":      location.Revision,
			"updated_at_ms": location.UpdatedAtMS,
		}
		if err := tx.Model(&domain.Location{}).Where("id = ?", location.ID).Updates(updates).Error; err != nil {
			return nil, nil, fmt.Errorf("%w: restore location: %v", domain.ErrStorage, err)
		}
	}

	if err := tx.Delete(&domain.LocationVertex{}, "location_id = ?", location.ID).Error; err != nil {
		return nil, nil, fmt.Errorf("%w: clear vertices: %v", domain.ErrStorage, err)
	}
	for _, vertex := range location.Vertices {
		if err := tx.Create(&vertex).Error; err != nil {
			return nil, nil, fmt.Errorf("%w: restore vertex: %v", domain.ErrStorage, err)
		}
	}

	resync := location
	return nil, &resync, nil
}

// clearLocationAssignments sets the location's stamps back to unassigned and
// refreshes both count keys for every affected device.
func clearLocationAssignments(tx *gorm.DB, c *Coordinator, location domain.Location) ([]counts.CountDelta, error) {
	var stamps []domain.Stamp
	if err := tx.Where("location_id = ?", location.ID).Find(&stamps).Error; err != nil {
		return nil, fmt.Errorf("%w: load assigned stamps: %v", domain.ErrStorage, err)
	}
	if len(stamps) == 0 {
		return nil, nil
	}

	now := c.clock().UTC().UnixMilli()
	err := tx.Model(&domain.Stamp{}).Where("location_id = ?", location.ID).
		Updates(map[string]any{"location_id": nil, "updated_at_ms": now}).Error
	if err != nil {
		return nil, fmt.Errorf("%w: clear assignments: %v", domain.ErrStorage, err)
	}

	devices := make(map[string]struct{})
	for _, stamp := range stamps {
		devices[stamp.DeviceID] = struct{}{}
	}
	var deltas []counts.CountDelta
	for deviceID := range devices {
		refreshed, err := c.counts.RefreshKeys(tx, location.PlanID, deviceID,
			[]string{location.ID, domain.UnassignedLocationKey})
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, refreshed...)
	}
	return deltas, nil
}

// cascadeEntityRevisions removes the remaining revisions of a hard-deleted
// entity, keeping the one being consumed out of the delete (it is removed by
// the caller).
func cascadeEntityRevisions(tx *gorm.DB, entityID, consumedID string) error {
	err := tx.Where("entity_id = ? AND id <> ?", entityID, consumedID).
		Delete(&domain.RevisionEntry{}).Error
	if err != nil {
		return fmt.Errorf("%w: cascade revisions: %v", domain.ErrStorage, err)
	}
	return nil
}

func decodeStampSnapshot(entry domain.RevisionEntry) (domain.StampSnapshot, error) {
	if entry.SnapshotJSON == nil {
		return domain.StampSnapshot{}, fmt.Errorf("%w: revision %s has no snapshot", domain.ErrInvalidInput, entry.ID)
	}
	var snapshot domain.StampSnapshot
	if err := json.Unmarshal([]byte(*entry.SnapshotJSON), &snapshot); err != nil {
		return domain.StampSnapshot{}, fmt.Errorf("%w: decode stamp snapshot: %v", domain.ErrInvalidInput, err)
	}
	return snapshot, nil
}

func decodeLocationSnapshot(entry domain.RevisionEntry) (domain.LocationSnapshot, error) {
	if entry.SnapshotJSON == nil {
		return domain.LocationSnapshot{}, fmt.Errorf("%w: revision %s has no snapshot", domain.ErrInvalidInput, entry.ID)
	}
	var snapshot domain.LocationSnapshot
	if err := json.Unmarshal([]byte(*entry.SnapshotJSON), &snapshot); err != nil {
		return domain.LocationSnapshot{}, fmt.Errorf("%w: decode location snapshot: %v", domain.ErrInvalidInput, err)
	}
	return snapshot, nil
}
