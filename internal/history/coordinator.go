package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/floorsight/tally/internal/counts"
	"github.com/floorsight/tally/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errNoHistory = errors.New("history: no entries")

type CoordinatorConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	Counts   *counts.Service
	Events   counts.Publisher
}

// Coordinator merges the revision histories of both entity kinds into one
// project-scoped stack and drives single-step undo.
type Coordinator struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
	counts *counts.Service
	events counts.Publisher
}

// ActionResult reports what an undo reverted.
type ActionResult struct {
	EntityID   string            `json:"entity_id"`
	EntityType domain.EntityType `json:"entity_type"`
	ActionType domain.ActionType `json:"action_type"`
	PlanID     string            `json:"plan_id"`
}

func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("history: %w", errMissingDatabase)
	}
	if cfg.Counts == nil {
		return nil, errors.New("history: counts service is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
		counts: cfg.Counts,
		events: cfg.Events,
	}, nil
}

// GetHistory returns up to 100 of the most recent revision entries across
// both entity kinds, sorted by creation time descending.
func (c *Coordinator) GetHistory(ctx context.Context, projectID string) ([]domain.RevisionEntry, error) {
	merged := make([]domain.RevisionEntry, 0, 2*historyLimit)
	for _, kind := range []domain.EntityType{domain.EntityTypeStamp, domain.EntityTypeLocation} {
		var entries []domain.RevisionEntry
		err := c.db.WithContext(ctx).
			Where("project_id = ? AND entity_type = ?", projectID, kind).
			Order("created_at_ms DESC, id DESC").
			Limit(historyLimit).
			Find(&entries).Error
		if err != nil {
			return nil, fmt.Errorf("%w: load history: %v", domain.ErrStorage, err)
		}
		merged = append(merged, entries...)
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].CreatedAtMS != merged[j].CreatedAtMS {
			return merged[i].CreatedAtMS > merged[j].CreatedAtMS
		}
		return merged[i].ID > merged[j].ID
	})
	if len(merged) > historyLimit {
		merged = merged[:historyLimit]
	}
	return merged, nil
}

// Undo reverts the single most recent revision across both entity kinds.
// The revision entry it replays is consumed in the same transaction, so
// repeated undos walk backward through the project's history. Returns nil
// when the project has no history.
func (c *Coordinator) Undo(ctx context.Context, projectID string) (*ActionResult, error) {
	var result *ActionResult
	var pendingResync *domain.Location
	var deltas []counts.CountDelta

	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry domain.RevisionEntry
		err := tx.Where("project_id = ?", projectID).
			Order("created_at_ms DESC, id DESC").
			Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errNoHistory
		}
		if err != nil {
			return fmt.Errorf("%w: load latest revision: %v", domain.ErrStorage, err)
		}

		switch entry.EntityType {
		case domain.EntityTypeStamp:
			deltas, err = c.undoStamp(tx, entry)
		case domain.EntityTypeLocation:
			deltas, pendingResync, err = c.undoLocation(tx, entry)
		default:
			err = fmt.Errorf("%w: unknown entity type %q", domain.ErrStorage, entry.EntityType)
		}
		if err != nil {
			return err
		}

		if err := tx.Delete(&domain.RevisionEntry{}, "id = ?", entry.ID).Error; err != nil {
			return fmt.Errorf("%w: consume revision: %v", domain.ErrStorage, err)
		}

		result = &ActionResult{
			EntityID:   entry.EntityID,
			EntityType: entry.EntityType,
			ActionType: entry.ActionType,
			PlanID:     entry.PlanID,
		}
		return nil
	})
	if errors.Is(txErr, errNoHistory) {
		return nil, nil
	}
	if txErr != nil {
		return nil, txErr
	}

	// Post-commit maintenance: a restored location geometry needs a plan
	// rescan, and observers learn about the changed keys. Both best-effort.
	if pendingResync != nil {
		resyncDeltas, err := c.counts.ResyncLocation(ctx, *pendingResync)
		if err != nil {
			c.counts.LogResyncFailure(pendingResync.ID, err)
		} else {
			deltas = append(deltas, resyncDeltas...)
		}
	}
	c.publish(deltas)

	c.logger.Info("undo applied",
		zap.String("project_id", projectID),
		zap.String("entity_type", string(result.EntityType)),
		zap.String("action_type", string(result.ActionType)),
		zap.String("entity_id", result.EntityID))
	return result, nil
}

// PruneHistory evicts entries beyond the retained limit, oldest first.
func (c *Coordinator) PruneHistory(ctx context.Context, projectID string) error {
	return pruneProjectHistory(c.db.WithContext(ctx), projectID)
}

func (c *Coordinator) publish(deltas []counts.CountDelta) {
	if c.events == nil {
		return
	}
	for _, delta := range deltas {
		c.events.PublishCountDelta(delta)
	}
}
