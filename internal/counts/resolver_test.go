package counts

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/floorsight/tally/internal/domain"
	"github.com/floorsight/tally/internal/geometry"
)

func TestAssignLocationFirstMatchWins(t *testing.T) {
	service, db := newTestService(t)
	// Overlapping rectangles; the older location wins the scan.
	seedRectLocation(t, db, "loc-old", "plan-1", 0, 0, 100, 100, 1000)
	seedRectLocation(t, db, "loc-new", "plan-1", 50, 50, 100, 100, 2000)

	resolved, err := service.AssignLocation(db, "plan-1", geometry.Point{X: 60, Y: 60})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved == nil || *resolved != "loc-old" {
		t.Fatalf("expected loc-old to win, got %v", resolved)
	}
}

func TestAssignLocationReturnsNilOutsideAllShapes(t *testing.T) {
	service, db := newTestService(t)
	seedRectLocation(t, db, "loc-1", "plan-1", 0, 0, 10, 10, 1000)

	resolved, err := service.AssignLocation(db, "plan-1", geometry.Point{X: 500, Y: 500})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved != nil {
		t.Fatalf("expected unassigned, got %v", *resolved)
	}
}

func TestAssignLocationMatchesPolygon(t *testing.T) {
	service, db := newTestService(t)
	location := domain.Location{
		ID:          "loc-poly",
		PlanID:      "plan-1",
		Name:        "triangle",
		Revision:    1,
		CreatedAtMS: 1000,
		UpdatedAtMS: 1000,
	}
	domain.ApplyShape(&location, geometry.Polygon{Vertices: []geometry.Point{
		{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 5, Y: 10},
	}})
	if err := db.Create(&location).Error; err != nil {
		t.Fatalf("failed to seed location: %v", err)
	}
	for _, vertex := range location.Vertices {
		if err := db.Create(&vertex).Error; err != nil {
			t.Fatalf("failed to seed vertex: %v", err)
		}
	}

	resolved, err := service.AssignLocation(db, "plan-1", geometry.Point{X: 5, Y: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved == nil || *resolved != "loc-poly" {
		t.Fatalf("expected polygon match, got %v", resolved)
	}
}

func TestResyncLocationReassignsAndClears(t *testing.T) {
	service, db := newTestService(t)
	seedRectLocation(t, db, "loc-1", "plan-1", 0, 0, 20, 20, 1000)
	// Inside the rectangle but unassigned.
	seedStamp(t, db, "stamp-inside", "plan-1", "device-1", nil, 5, 5)
	// Assigned to the location but outside its geometry.
	locationID := "loc-1"
	seedStamp(t, db, "stamp-outside", "plan-1", "device-1", &locationID, 300, 300)

	var location domain.Location
	if err := db.Where("id = ?", "loc-1").Take(&location).Error; err != nil {
		t.Fatalf("failed to load location: %v", err)
	}

	deltas, err := service.ResyncLocation(context.Background(), location)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deltas) == 0 {
		t.Fatalf("expected deltas for the changed keys")
	}

	var inside domain.Stamp
	if err := db.Where("id = ?", "stamp-inside").Take(&inside).Error; err != nil {
		t.Fatalf("failed to load stamp: %v", err)
	}
	if inside.LocationID == nil || *inside.LocationID != "loc-1" {
		t.Fatalf("expected inside stamp to be reassigned, got %v", inside.LocationID)
	}

	var outside domain.Stamp
	if err := db.Where("id = ?", "stamp-outside").Take(&outside).Error; err != nil {
		t.Fatalf("failed to load stamp: %v", err)
	}
	if outside.LocationID != nil {
		t.Fatalf("expected outside stamp to be cleared, got %v", *outside.LocationID)
	}

	total, err := service.GetCount(context.Background(), "plan-1", "device-1", &locationID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected location total 1 after resync, got %d", total)
	}
}

func TestResyncLocationLeavesUntouchedStampsAlone(t *testing.T) {
	service, db := newTestService(t)
	seedRectLocation(t, db, "loc-1", "plan-1", 0, 0, 20, 20, 1000)
	otherID := "loc-other"
	seedRectLocation(t, db, otherID, "plan-1", 100, 100, 20, 20, 2000)
	seedStamp(t, db, "stamp-other", "plan-1", "device-1", &otherID, 110, 110)

	var location domain.Location
	if err := db.Where("id = ?", "loc-1").Take(&location).Error; err != nil {
		t.Fatalf("failed to load location: %v", err)
	}
	if _, err := service.ResyncLocation(context.Background(), location); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stamp domain.Stamp
	if err := db.Where("id = ?", "stamp-other").Take(&stamp).Error; err != nil {
		t.Fatalf("failed to load stamp: %v", err)
	}
	if stamp.LocationID == nil || *stamp.LocationID != otherID {
		t.Fatalf("stamp assigned elsewhere should be untouched, got %v", stamp.LocationID)
	}
}

func TestRecomputeRebuildsCountsFromScratch(t *testing.T) {
	service, db := newTestService(t)
	seedRectLocation(t, db, "loc-1", "plan-1", 0, 0, 50, 50, 1000)
	locationID := "loc-1"
	// Correctly assigned, misassigned, and unassigned-but-inside stamps.
	seedStamp(t, db, "stamp-1", "plan-1", "device-1", &locationID, 10, 10)
	seedStamp(t, db, "stamp-2", "plan-1", "device-1", &locationID, 400, 400)
	seedStamp(t, db, "stamp-3", "plan-1", "device-2", nil, 20, 20)
	// Stale count row that the rebuild must replace.
	stale := domain.CountEntry{PlanID: "plan-1", DeviceID: "device-9", LocationID: "loc-gone", Total: 7, UpdatedAtMS: 1}
	if err := db.Create(&stale).Error; err != nil {
		t.Fatalf("failed to seed stale entry: %v", err)
	}

	rows, err := service.RecomputeCountsForPlan(context.Background(), "plan-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows != 3 {
		t.Fatalf("expected 3 count rows, got %d", rows)
	}

	total, err := service.GetCount(context.Background(), "plan-1", "device-1", &locationID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected device-1 loc-1 total 1, got %d", total)
	}
	total, err = service.GetCount(context.Background(), "plan-1", "device-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected device-1 unassigned total 1, got %d", total)
	}
	total, err = service.GetCount(context.Background(), "plan-1", "device-2", &locationID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected device-2 loc-1 total 1, got %d", total)
	}

	var misassigned domain.Stamp
	if err := db.Where("id = ?", "stamp-2").Take(&misassigned).Error; err != nil {
		t.Fatalf("failed to load stamp: %v", err)
	}
	if misassigned.LocationID != nil {
		t.Fatalf("expected misassigned stamp cleared, got %v", *misassigned.LocationID)
	}

	var staleCount int64
	if err := db.Model(&domain.CountEntry{}).Where("device_id = ?", "device-9").Count(&staleCount).Error; err != nil {
		t.Fatalf("failed to count stale rows: %v", err)
	}
	if staleCount != 0 {
		t.Fatalf("expected stale row removed")
	}
}

func TestRecomputeWithAdvancingClockKeepsRowsStable(t *testing.T) {
	_, db := newTestService(t)
	nowMS := int64(1700000000000)
	service, err := NewService(ServiceConfig{Database: db, Clock: func() time.Time {
		nowMS += 1000
		return time.UnixMilli(nowMS).UTC()
	}})
	if err != nil {
		t.Fatalf("failed to construct counts service: %v", err)
	}

	seedRectLocation(t, db, "loc-1", "plan-1", 0, 0, 50, 50, 1000)
	locationID := "loc-1"
	seedStamp(t, db, "stamp-1", "plan-1", "device-1", &locationID, 10, 10)
	seedStamp(t, db, "stamp-2", "plan-1", "device-1", nil, 400, 400)

	loadRows := func() []domain.CountEntry {
		var rows []domain.CountEntry
		if err := db.Where("plan_id = ?", "plan-1").Order("device_id, location_id").Find(&rows).Error; err != nil {
			t.Fatalf("failed to load count rows: %v", err)
		}
		return rows
	}

	if _, err := service.RecomputeCountsForPlan(context.Background(), "plan-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := loadRows()
	firstRead, err := service.GetCountsForPlan(context.Background(), "plan-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := service.RecomputeCountsForPlan(context.Background(), "plan-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second := loadRows()
	secondRead, err := service.GetCountsForPlan(context.Background(), "plan-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("rows differ across consecutive recomputes: %+v vs %+v", first, second)
	}
	if firstRead.Fingerprint != secondRead.Fingerprint {
		t.Fatalf("fingerprint changed across consecutive recomputes")
	}
	for _, row := range second {
		if row.UpdatedAtMS != 1699999000000 {
			t.Fatalf("expected row timestamp from contributing stamps, got %d", row.UpdatedAtMS)
		}
	}
}

func TestRecomputeIsIdempotent(t *testing.T) {
	service, db := newTestService(t)
	seedRectLocation(t, db, "loc-1", "plan-1", 0, 0, 50, 50, 1000)
	seedStamp(t, db, "stamp-1", "plan-1", "device-1", nil, 10, 10)

	first, err := service.RecomputeCountsForPlan(context.Background(), "plan-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := service.RecomputeCountsForPlan(context.Background(), "plan-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("recompute row counts diverged: %d vs %d", first, second)
	}

	firstRead, err := service.GetCountsForPlan(context.Background(), "plan-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.RecomputeCountsForPlan(context.Background(), "plan-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	secondRead, err := service.GetCountsForPlan(context.Background(), "plan-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if firstRead.Fingerprint != secondRead.Fingerprint {
		t.Fatalf("repeated recompute changed the fingerprint")
	}
}
