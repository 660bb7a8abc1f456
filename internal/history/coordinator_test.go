package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/floorsight/tally/internal/counts"
	"github.com/floorsight/tally/internal/domain"
	"github.com/floorsight/tally/internal/geometry"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	deltas []counts.CountDelta
}

func (p *recordingPublisher) PublishCountDelta(delta counts.CountDelta) {
	p.deltas = append(p.deltas, delta)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *gorm.DB, *recordingPublisher) {
	t.Helper()

	dsn := fmt.Sprintf("file:tally_history_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	err = db.AutoMigrate(&domain.Plan{}, &domain.Stamp{}, &domain.Location{},
		&domain.LocationVertex{}, &domain.CountEntry{}, &domain.RevisionEntry{})
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.UnixMilli(1700000000000).UTC() }
	countsService, err := counts.NewService(counts.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct counts service: %v", err)
	}
	publisher := &recordingPublisher{}
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Database: db,
		Clock:    clock,
		Counts:   countsService,
		Events:   publisher,
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	return coordinator, db, publisher
}

func seedRevision(t *testing.T, db *gorm.DB, entry domain.RevisionEntry) {
	t.Helper()
	if err := db.Create(&entry).Error; err != nil {
		t.Fatalf("failed to seed revision: %v", err)
	}
}

func mustEncodeStampSnapshot(t *testing.T, snapshot domain.StampSnapshot) *string {
	t.Helper()
	encoded, err := domain.EncodeSnapshot(snapshot)
	if err != nil {
		t.Fatalf("failed to encode snapshot: %v", err)
	}
	return encoded
}

func mustEncodeLocationSnapshot(t *testing.T, snapshot domain.LocationSnapshot) *string {
	t.Helper()
	encoded, err := domain.EncodeSnapshot(snapshot)
	if err != nil {
		t.Fatalf("failed to encode snapshot: %v", err)
	}
	return encoded
}

func TestUndoReturnsNilWhenNoHistory(t *testing.T) {
	coordinator, _, _ := newTestCoordinator(t)

	result, err := coordinator.Undo(context.Background(), "project-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for empty history, got %+v", result)
	}
}

func TestUndoStampCreateDeletesStamp(t *testing.T) {
	coordinator, db, publisher := newTestCoordinator(t)
	stamp := domain.Stamp{
		ID: "stamp-1", PlanID: "plan-1", DeviceID: "device-1",
		X: 5, Y: 5, CreatedAtMS: 100, UpdatedAtMS: 100,
	}
	if err := db.Create(&stamp).Error; err != nil {
		t.Fatalf("failed to seed stamp: %v", err)
	}
	seedRevision(t, db, domain.RevisionEntry{
		ID: "rev-1", ProjectID: "project-1", PlanID: "plan-1",
		EntityID: "stamp-1", EntityType: domain.EntityTypeStamp,
		ActionType: domain.ActionTypeCreate, CreatedAtMS: 100,
	})

	result, err := coordinator.Undo(context.Background(), "project-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || result.ActionType != domain.ActionTypeCreate || result.EntityID != "stamp-1" {
		t.Fatalf("unexpected result: %+v", result)
	}

	var stamps int64
	if err := db.Model(&domain.Stamp{}).Count(&stamps).Error; err != nil {
		t.Fatalf("failed to count stamps: %v", err)
	}
	if stamps != 0 {
		t.Fatalf("expected stamp deleted, found %d", stamps)
	}
	var revisions int64
	if err := db.Model(&domain.RevisionEntry{}).Count(&revisions).Error; err != nil {
		t.Fatalf("failed to count revisions: %v", err)
	}
	if revisions != 0 {
		t.Fatalf("expected consumed revision removed, found %d", revisions)
	}
	if len(publisher.deltas) == 0 {
		t.Fatalf("expected count deltas after undo")
	}
}

func TestUndoStampUpdateRestoresSnapshot(t *testing.T) {
	coordinator, db, _ := newTestCoordinator(t)
	locationID := "loc-1"
	stamp := domain.Stamp{
		ID: "stamp-1", PlanID: "plan-1", DeviceID: "device-1",
		LocationID: &locationID, X: 50, Y: 50, CreatedAtMS: 100, UpdatedAtMS: 900,
	}
	if err := db.Create(&stamp).Error; err != nil {
		t.Fatalf("failed to seed stamp: %v", err)
	}
	snapshot := mustEncodeStampSnapshot(t, domain.StampSnapshot{
		PlanID: "plan-1", DeviceID: "device-1", LocationID: nil,
		X: 5, Y: 5, CreatedAtMS: 100, UpdatedAtMS: 100,
	})
	seedRevision(t, db, domain.RevisionEntry{
		ID: "rev-2", ProjectID: "project-1", PlanID: "plan-1",
		EntityID: "stamp-1", EntityType: domain.EntityTypeStamp,
		ActionType: domain.ActionTypeUpdate, SnapshotJSON: snapshot, CreatedAtMS: 900,
	})

	result, err := coordinator.Undo(context.Background(), "project-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || result.ActionType != domain.ActionTypeUpdate {
		t.Fatalf("unexpected result: %+v", result)
	}

	var restored domain.Stamp
	if err := db.Where("id = ?", "stamp-1").Take(&restored).Error; err != nil {
		t.Fatalf("failed to load stamp: %v", err)
	}
	if restored.LocationID != nil {
		t.Fatalf("expected assignment restored to unassigned, got %v", *restored.LocationID)
	}
	if restored.X != 5 || restored.Y != 5 {
		t.Fatalf("expected position restored to (5,5), got (%v,%v)", restored.X, restored.Y)
	}
	if restored.UpdatedAtMS != 100 {
		t.Fatalf("expected updated_at_ms restored to 100, got %d", restored.UpdatedAtMS)
	}
	if restored.CreatedAtMS != 100 {
		t.Fatalf("created_at_ms must never change, got %d", restored.CreatedAtMS)
	}
}

func TestUndoStampDeleteReinsertsStamp(t *testing.T) {
	coordinator, db, _ := newTestCoordinator(t)
	locationID := "loc-1"
	snapshot := mustEncodeStampSnapshot(t, domain.StampSnapshot{
		PlanID: "plan-1", DeviceID: "device-1", LocationID: &locationID,
		X: 5, Y: 5, CreatedAtMS: 100, UpdatedAtMS: 200,
	})
	seedRevision(t, db, domain.RevisionEntry{
		ID: "rev-3", ProjectID: "project-1", PlanID: "plan-1",
		EntityID: "stamp-1", EntityType: domain.EntityTypeStamp,
		ActionType: domain.ActionTypeDelete, SnapshotJSON: snapshot, CreatedAtMS: 300,
	})

	result, err := coordinator.Undo(context.Background(), "project-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || result.ActionType != domain.ActionTypeDelete {
		t.Fatalf("unexpected result: %+v", result)
	}

	var restored domain.Stamp
	if err := db.Where("id = ?", "stamp-1").Take(&restored).Error; err != nil {
		t.Fatalf("expected stamp re-inserted: %v", err)
	}
	if restored.LocationID == nil || *restored.LocationID != locationID {
		t.Fatalf("expected assignment restored, got %v", restored.LocationID)
	}

	total := countFor(t, db, "plan-1", "device-1", locationID)
	if total != 1 {
		t.Fatalf("expected count 1 after reinsert, got %d", total)
	}
}

func TestSequentialUndosWalkBackward(t *testing.T) {
	coordinator, db, _ := newTestCoordinator(t)
	stamp := domain.Stamp{
		ID: "stamp-1", PlanID: "plan-1", DeviceID: "device-1",
		X: 50, Y: 50, CreatedAtMS: 100, UpdatedAtMS: 900,
	}
	if err := db.Create(&stamp).Error; err != nil {
		t.Fatalf("failed to seed stamp: %v", err)
	}
	seedRevision(t, db, domain.RevisionEntry{
		ID: "rev-1", ProjectID: "project-1", PlanID: "plan-1",
		EntityID: "stamp-1", EntityType: domain.EntityTypeStamp,
		ActionType: domain.ActionTypeCreate, CreatedAtMS: 100,
	})
	snapshot := mustEncodeStampSnapshot(t, domain.StampSnapshot{
		PlanID: "plan-1", DeviceID: "device-1",
		X: 5, Y: 5, CreatedAtMS: 100, UpdatedAtMS: 100,
	})
	seedRevision(t, db, domain.RevisionEntry{
		ID: "rev-2", ProjectID: "project-1", PlanID: "plan-1",
		EntityID: "stamp-1", EntityType: domain.EntityTypeStamp,
		ActionType: domain.ActionTypeUpdate, SnapshotJSON: snapshot, CreatedAtMS: 900,
	})

	// First undo reverts the update.
	first, err := coordinator.Undo(context.Background(), "project-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == nil || first.ActionType != domain.ActionTypeUpdate {
		t.Fatalf("expected update undone first, got %+v", first)
	}
	var restored domain.Stamp
	if err := db.Where("id = ?", "stamp-1").Take(&restored).Error; err != nil {
		t.Fatalf("failed to load stamp: %v", err)
	}
	if restored.X != 5 {
		t.Fatalf("expected position restored, got %v", restored.X)
	}

	// Second undo reverts the create.
	second, err := coordinator.Undo(context.Background(), "project-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second == nil || second.ActionType != domain.ActionTypeCreate {
		t.Fatalf("expected create undone second, got %+v", second)
	}

	var stamps, revisions int64
	if err := db.Model(&domain.Stamp{}).Count(&stamps).Error; err != nil {
		t.Fatalf("failed to count stamps: %v", err)
	}
	if err := db.Model(&domain.RevisionEntry{}).Count(&revisions).Error; err != nil {
		t.Fatalf("failed to count revisions: %v", err)
	}
	if stamps != 0 || revisions != 0 {
		t.Fatalf("expected empty tables after full unwind, stamps=%d revisions=%d", stamps, revisions)
	}

	// Third undo has nothing left.
	third, err := coordinator.Undo(context.Background(), "project-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third != nil {
		t.Fatalf("expected nil after history exhausted, got %+v", third)
	}
}

func TestUndoLocationCreateClearsAssignments(t *testing.T) {
	coordinator, db, _ := newTestCoordinator(t)
	location := domain.Location{
		ID: "loc-1", PlanID: "plan-1", Name: "zone", Revision: 1,
		CreatedAtMS: 100, UpdatedAtMS: 100,
	}
	domain.ApplyShape(&location, geometry.Rectangle{X: 0, Y: 0, Width: 50, Height: 50})
	if err := db.Create(&location).Error; err != nil {
		t.Fatalf("failed to seed location: %v", err)
	}
	locationID := "loc-1"
	stamp := domain.Stamp{
		ID: "stamp-1", PlanID: "plan-1", DeviceID: "device-1",
		LocationID: &locationID, X: 5, Y: 5, CreatedAtMS: 50, UpdatedAtMS: 50,
	}
	if err := db.Create(&stamp).Error; err != nil {
		t.Fatalf("failed to seed stamp: %v", err)
	}
	seedRevision(t, db, domain.RevisionEntry{
		ID: "rev-1", ProjectID: "project-1", PlanID: "plan-1",
		EntityID: "loc-1", EntityType: domain.EntityTypeLocation,
		ActionType: domain.ActionTypeCreate, CreatedAtMS: 100,
	})

	result, err := coordinator.Undo(context.Background(), "project-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || result.EntityType != domain.EntityTypeLocation {
		t.Fatalf("unexpected result: %+v", result)
	}

	var locationsCount int64
	if err := db.Model(&domain.Location{}).Count(&locationsCount).Error; err != nil {
		t.Fatalf("failed to count locations: %v", err)
	}
	if locationsCount != 0 {
		t.Fatalf("expected location deleted")
	}
	var cleared domain.Stamp
	if err := db.Where("id = ?", "stamp-1").Take(&cleared).Error; err != nil {
		t.Fatalf("failed to load stamp: %v", err)
	}
	if cleared.LocationID != nil {
		t.Fatalf("expected stamp cleared to unassigned, got %v", *cleared.LocationID)
	}
}

func TestUndoLocationDeleteRestoresPolygon(t *testing.T) {
	coordinator, db, _ := newTestCoordinator(t)
	snapshot := mustEncodeLocationSnapshot(t, domain.LocationSnapshot{
		PlanID: "plan-1", Name: "triangle",
		Shape: domain.ShapeDTO{Shape: geometry.Polygon{Vertices: []geometry.Point{
			{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 5, Y: 10},
		}}},
		Revision: 3, CreatedAtMS: 100, UpdatedAtMS: 500,
	})
	seedRevision(t, db, domain.RevisionEntry{
		ID: "rev-1", ProjectID: "project-1", PlanID: "plan-1",
		EntityID: "loc-1", EntityType: domain.EntityTypeLocation,
		ActionType: domain.ActionTypeDelete, SnapshotJSON: snapshot, CreatedAtMS: 600,
	})

	result, err := coordinator.Undo(context.Background(), "project-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || result.ActionType != domain.ActionTypeDelete {
		t.Fatalf("unexpected result: %+v", result)
	}

	var restored domain.Location
	if err := db.Where("id = ?", "loc-1").Take(&restored).Error; err != nil {
		t.Fatalf("expected location re-inserted: %v", err)
	}
	if restored.ShapeType != domain.ShapeTypePolygon || restored.Revision != 3 {
		t.Fatalf("unexpected restored location: %+v", restored)
	}
	var vertices []domain.LocationVertex
	if err := db.Where("location_id = ?", "loc-1").Order("seq").Find(&vertices).Error; err != nil {
		t.Fatalf("failed to load vertices: %v", err)
	}
	if len(vertices) != 3 {
		t.Fatalf("expected 3 vertices restored, got %d", len(vertices))
	}
	if vertices[2].X != 5 || vertices[2].Y != 10 {
		t.Fatalf("unexpected final vertex: %+v", vertices[2])
	}
}

func TestUndoLocationUpdateRestoresGeometry(t *testing.T) {
	coordinator, db, _ := newTestCoordinator(t)
	location := domain.Location{
		ID: "loc-1", PlanID: "plan-1", Name: "after", Revision: 2,
		CreatedAtMS: 100, UpdatedAtMS: 500,
	}
	domain.ApplyShape(&location, geometry.Rectangle{X: 100, Y: 100, Width: 10, Height: 10})
	if err := db.Create(&location).Error; err != nil {
		t.Fatalf("failed to seed location: %v", err)
	}
	snapshot := mustEncodeLocationSnapshot(t, domain.LocationSnapshot{
		PlanID: "plan-1", Name: "before",
		Shape:    domain.ShapeDTO{Shape: geometry.Rectangle{X: 0, Y: 0, Width: 50, Height: 50}},
		Revision: 1, CreatedAtMS: 100, UpdatedAtMS: 100,
	})
	seedRevision(t, db, domain.RevisionEntry{
		ID: "rev-1", ProjectID: "project-1", PlanID: "plan-1",
		EntityID: "loc-1", EntityType: domain.EntityTypeLocation,
		ActionType: domain.ActionTypeUpdate, SnapshotJSON: snapshot, CreatedAtMS: 500,
	})

	if _, err := coordinator.Undo(context.Background(), "project-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var restored domain.Location
	if err := db.Where("id = ?", "loc-1").Take(&restored).Error; err != nil {
		t.Fatalf("failed to load location: %v", err)
	}
	if restored.Name != "before" || restored.Revision != 1 {
		t.Fatalf("unexpected restored fields: %+v", restored)
	}
	if restored.RectX == nil || *restored.RectX != 0 || *restored.RectWidth != 50 {
		t.Fatalf("expected prior rectangle restored")
	}
}

func TestGetHistorySortsAndTruncates(t *testing.T) {
	coordinator, db, _ := newTestCoordinator(t)
	for i := 0; i < 120; i++ {
		seedRevision(t, db, domain.RevisionEntry{
			ID:          fmt.Sprintf("rev-%03d", i),
			ProjectID:   "project-1",
			PlanID:      "plan-1",
			EntityID:    fmt.Sprintf("stamp-%03d", i),
			EntityType:  domain.EntityTypeStamp,
			ActionType:  domain.ActionTypeCreate,
			CreatedAtMS: int64(1000 + i),
		})
	}
	seedRevision(t, db, domain.RevisionEntry{
		ID: "rev-loc", ProjectID: "project-1", PlanID: "plan-1",
		EntityID: "loc-1", EntityType: domain.EntityTypeLocation,
		ActionType: domain.ActionTypeCreate, CreatedAtMS: 5000,
	})

	entries, err := coordinator.GetHistory(context.Background(), "project-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 100 {
		t.Fatalf("expected history capped at 100, got %d", len(entries))
	}
	if entries[0].ID != "rev-loc" {
		t.Fatalf("expected newest entry first, got %s", entries[0].ID)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].CreatedAtMS > entries[i-1].CreatedAtMS {
			t.Fatalf("history not sorted descending at index %d", i)
		}
	}
}

func TestHistoryScopedToProject(t *testing.T) {
	coordinator, db, _ := newTestCoordinator(t)
	seedRevision(t, db, domain.RevisionEntry{
		ID: "rev-a", ProjectID: "project-a", PlanID: "plan-1",
		EntityID: "stamp-1", EntityType: domain.EntityTypeStamp,
		ActionType: domain.ActionTypeCreate, CreatedAtMS: 100,
	})
	seedRevision(t, db, domain.RevisionEntry{
		ID: "rev-b", ProjectID: "project-b", PlanID: "plan-2",
		EntityID: "stamp-2", EntityType: domain.EntityTypeStamp,
		ActionType: domain.ActionTypeCreate, CreatedAtMS: 200,
	})

	entries, err := coordinator.GetHistory(context.Background(), "project-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "rev-a" {
		t.Fatalf("expected only project-a history, got %+v", entries)
	}
}

func TestPruneHistoryEvictsOldestBeyondLimit(t *testing.T) {
	coordinator, db, _ := newTestCoordinator(t)
	for i := 0; i < 105; i++ {
		seedRevision(t, db, domain.RevisionEntry{
			ID: fmt.Sprintf("rev-stamp-%03d", i), ProjectID: "project-1", PlanID: "plan-1",
			EntityID: "stamp-1", EntityType: domain.EntityTypeStamp,
			ActionType: domain.ActionTypeUpdate, CreatedAtMS: int64(1000 + i),
		})
	}
	seedRevision(t, db, domain.RevisionEntry{
		ID: "rev-loc-1", ProjectID: "project-1", PlanID: "plan-1",
		EntityID: "loc-1", EntityType: domain.EntityTypeLocation,
		ActionType: domain.ActionTypeCreate, CreatedAtMS: 50,
	})
	seedRevision(t, db, domain.RevisionEntry{
		ID: "rev-other", ProjectID: "project-2", PlanID: "plan-2",
		EntityID: "stamp-9", EntityType: domain.EntityTypeStamp,
		ActionType: domain.ActionTypeCreate, CreatedAtMS: 10,
	})

	if err := coordinator.PruneHistory(context.Background(), "project-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stampRevisions int64
	err := db.Model(&domain.RevisionEntry{}).
		Where("project_id = ? AND entity_type = ?", "project-1", domain.EntityTypeStamp).
		Count(&stampRevisions).Error
	if err != nil {
		t.Fatalf("failed to count revisions: %v", err)
	}
	if stampRevisions != 100 {
		t.Fatalf("expected 100 stamp revisions after prune, got %d", stampRevisions)
	}
	var oldest int64
	err = db.Model(&domain.RevisionEntry{}).
		Where("project_id = ? AND created_at_ms < ?", "project-1", 1005).
		Where("entity_type = ?", domain.EntityTypeStamp).
		Count(&oldest).Error
	if err != nil {
		t.Fatalf("failed to count revisions: %v", err)
	}
	if oldest != 0 {
		t.Fatalf("expected the 5 oldest stamp revisions evicted, %d remain", oldest)
	}

	// The location kind is under its limit and the other project is untouched.
	var locationRevisions int64
	err = db.Model(&domain.RevisionEntry{}).
		Where("project_id = ? AND entity_type = ?", "project-1", domain.EntityTypeLocation).
		Count(&locationRevisions).Error
	if err != nil {
		t.Fatalf("failed to count revisions: %v", err)
	}
	if locationRevisions != 1 {
		t.Fatalf("expected location revision retained, got %d", locationRevisions)
	}
	var otherProject int64
	if err := db.Model(&domain.RevisionEntry{}).Where("project_id = ?", "project-2").Count(&otherProject).Error; err != nil {
		t.Fatalf("failed to count revisions: %v", err)
	}
	if otherProject != 1 {
		t.Fatalf("expected other project untouched, got %d", otherProject)
	}
}

func countFor(t *testing.T, db *gorm.DB, planID, deviceID, locationKey string) int64 {
	t.Helper()
	var entry domain.CountEntry
	err := db.Where("plan_id = ? AND device_id = ? AND location_id = ?", planID, deviceID, locationKey).
		Take(&entry).Error
	if err != nil {
		return 0
	}
	return entry.Total
}
