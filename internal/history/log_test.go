package history

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/floorsight/tally/internal/domain"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

func newTestLog(t *testing.T, ids []string) (*Log, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:tally_log_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&domain.RevisionEntry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	log, err := NewLog(LogConfig{
		Database:   db,
		Clock:      func() time.Time { return time.UnixMilli(1700000000000).UTC() },
		IDProvider: &staticIDGenerator{ids: ids},
	})
	if err != nil {
		t.Fatalf("failed to construct log: %v", err)
	}
	return log, db
}

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	log, db := newTestLog(t, []string{"rev-1"})

	err := log.Append(db, domain.RevisionEntry{
		ProjectID:  "project-1",
		PlanID:     "plan-1",
		EntityID:   "stamp-1",
		EntityType: domain.EntityTypeStamp,
		ActionType: domain.ActionTypeCreate,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stored domain.RevisionEntry
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load revision: %v", err)
	}
	if stored.ID != "rev-1" {
		t.Fatalf("unexpected revision id %s", stored.ID)
	}
	if stored.CreatedAtMS != 1700000000000 {
		t.Fatalf("unexpected created_at_ms %d", stored.CreatedAtMS)
	}
	if stored.SnapshotJSON != nil {
		t.Fatalf("create revision should carry no snapshot")
	}
}

func TestPruneKeepsNewestPerKind(t *testing.T) {
	log, db := newTestLog(t, nil)
	for i := 0; i < 110; i++ {
		entry := domain.RevisionEntry{
			ID:          fmt.Sprintf("stamp-rev-%03d", i),
			ProjectID:   "project-1",
			PlanID:      "plan-1",
			EntityID:    "stamp-1",
			EntityType:  domain.EntityTypeStamp,
			ActionType:  domain.ActionTypeUpdate,
			CreatedAtMS: int64(1000 + i),
		}
		if err := db.Create(&entry).Error; err != nil {
			t.Fatalf("failed to seed revision: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		entry := domain.RevisionEntry{
			ID:          fmt.Sprintf("loc-rev-%03d", i),
			ProjectID:   "project-1",
			PlanID:      "plan-1",
			EntityID:    "loc-1",
			EntityType:  domain.EntityTypeLocation,
			ActionType:  domain.ActionTypeUpdate,
			CreatedAtMS: int64(1 + i),
		}
		if err := db.Create(&entry).Error; err != nil {
			t.Fatalf("failed to seed revision: %v", err)
		}
	}

	if err := log.Prune("project-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stampRevisions int64
	err := db.Model(&domain.RevisionEntry{}).
		Where("entity_type = ?", domain.EntityTypeStamp).
		Count(&stampRevisions).Error
	if err != nil {
		t.Fatalf("failed to count revisions: %v", err)
	}
	if stampRevisions != 100 {
		t.Fatalf("expected 100 stamp revisions retained, got %d", stampRevisions)
	}

	// The oldest entries are the evicted ones.
	var evicted int64
	err = db.Model(&domain.RevisionEntry{}).
		Where("id IN ?", []string{"stamp-rev-000", "stamp-rev-009"}).
		Count(&evicted).Error
	if err != nil {
		t.Fatalf("failed to count evicted: %v", err)
	}
	if evicted != 0 {
		t.Fatalf("expected oldest revisions evicted, found %d", evicted)
	}

	// Location history is under its own limit and stays intact.
	var locationRevisions int64
	err = db.Model(&domain.RevisionEntry{}).
		Where("entity_type = ?", domain.EntityTypeLocation).
		Count(&locationRevisions).Error
	if err != nil {
		t.Fatalf("failed to count revisions: %v", err)
	}
	if locationRevisions != 5 {
		t.Fatalf("expected location revisions untouched, got %d", locationRevisions)
	}
}
