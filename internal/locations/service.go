package locations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/floorsight/tally/internal/counts"
	"github.com/floorsight/tally/internal/domain"
	"github.com/floorsight/tally/internal/geometry"
	"github.com/floorsight/tally/internal/history"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingCounts     = errors.New("counts service is required")
	errMissingRevisions  = errors.New("revision log is required")
)

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider domain.IDProvider
	Logger     *zap.Logger
	Counts     *counts.Service
	Revisions  *history.Log
	Events     counts.Publisher
}

// Service owns location mutations. Geometry changes trigger a best-effort
// plan rescan after the primary write commits.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider domain.IDProvider
	logger     *zap.Logger
	counts     *counts.Service
	revisions  *history.Log
	events     counts.Publisher
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("locations: %w", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("locations: %w", errMissingIDProvider)
	}
	if cfg.Counts == nil {
		return nil, fmt.Errorf("locations: %w", errMissingCounts)
	}
	if cfg.Revisions == nil {
		return nil, fmt.Errorf("locations: %w", errMissingRevisions)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		counts:     cfg.Counts,
		revisions:  cfg.Revisions,
		events:     cfg.Events,
	}, nil
}

// CreateLocationRequest describes a new named region on a plan.
type CreateLocationRequest struct {
	PlanID string
	Name   string
	Shape  geometry.Shape
	Color  *string
}

// UpdateLocationRequest mutates a location. Nil Name/Shape leave the field
// untouched; Color applies only when ColorSet is true so it can be cleared.
type UpdateLocationRequest struct {
	Name     *string
	Shape    geometry.Shape
	Color    *string
	ColorSet bool
}

// CreateLocation validates the shape, inserts the location with its vertex
// ring, and writes the create revision. The plan's stamps are rescanned
// against the new geometry after commit.
func (s *Service) CreateLocation(ctx context.Context, req CreateLocationRequest) (domain.Location, error) {
	plan, err := s.loadPlan(ctx, req.PlanID)
	if err != nil {
		return domain.Location{}, err
	}
	shape, err := validateShape(req.Shape)
	if err != nil {
		return domain.Location{}, err
	}

	locationID, err := s.idProvider.NewID()
	if err != nil {
		return domain.Location{}, fmt.Errorf("%w: location id: %v", domain.ErrStorage, err)
	}

	now := s.clock().UTC().UnixMilli()
	location := domain.Location{
		ID:          locationID,
		PlanID:      req.PlanID,
		Name:        req.Name,
		Color:       req.Color,
		Revision:    1,
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}
	domain.ApplyShape(&location, shape)

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&location).Error; err != nil {
			return fmt.Errorf("%w: insert location: %v", domain.ErrStorage, err)
		}
		for _, vertex := range location.Vertices {
			if err := tx.Create(&vertex).Error; err != nil {
				return fmt.Errorf("%w: insert vertex: %v", domain.ErrStorage, err)
			}
		}
		return s.revisions.Append(tx, domain.RevisionEntry{
			ProjectID:  plan.ProjectID,
			PlanID:     plan.ID,
			EntityID:   location.ID,
			EntityType: domain.EntityTypeLocation,
			ActionType: domain.ActionTypeCreate,
		})
	})
	if txErr != nil {
		s.logError("locations.create", txErr, zap.String("plan_id", req.PlanID))
		return domain.Location{}, txErr
	}

	s.afterGeometryChange(ctx, plan.ProjectID, location)
	return location, nil
}

// UpdateLocation applies field changes, bumps the revision counter, and
// snapshots the prior state including its vertex ring. A shape change
// triggers the post-commit rescan.
func (s *Service) UpdateLocation(ctx context.Context, locationID string, req UpdateLocationRequest) (domain.Location, error) {
	var shape geometry.Shape
	if req.Shape != nil {
		validated, err := validateShape(req.Shape)
		if err != nil {
			return domain.Location{}, err
		}
		shape = validated
	}

	var location domain.Location
	var plan domain.Plan
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := loadLocationWithVertices(tx, locationID)
		if err != nil {
			return err
		}
		location = loaded
		if plan, err = s.loadPlanTx(tx, location.PlanID); err != nil {
			return err
		}

		snapshot, err := domain.EncodeSnapshot(domain.SnapshotOfLocation(location))
		if err != nil {
			return err
		}

		if req.Name != nil {
			location.Name = *req.Name
		}
		if req.ColorSet {
			location.Color = req.Color
		}
		if shape != nil {
			domain.ApplyShape(&location, shape)
			if err := tx.Delete(&domain.LocationVertex{}, "location_id = ?", location.ID).Error; err != nil {
				return fmt.Errorf("%w: clear vertices: %v", domain.ErrStorage, err)
			}
			for _, vertex := range location.Vertices {
				if err := tx.Create(&vertex).Error; err != nil {
					return fmt.Errorf("%w: insert vertex: %v", domain.ErrStorage, err)
				}
			}
		}
		location.Revision++
		location.UpdatedAtMS = s.clock().UTC().UnixMilli()

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
			return fmt.Errorf("%w: update location: %v", domain.ErrStorage, err)
		}

		return s.revisions.Append(tx, domain.RevisionEntry{
			ProjectID:    plan.ProjectID,
			PlanID:       plan.ID,
			EntityID:     location.ID,
			EntityType:   domain.EntityTypeLocation,
			ActionType:   domain.ActionTypeUpdate,
			SnapshotJSON: snapshot,
		})
	})
	if txErr != nil {
		s.logError("locations.update", txErr, zap.String("location_id", locationID))
		return domain.Location{}, txErr
	}

	if shape != nil {
		s.afterGeometryChange(ctx, plan.ProjectID, location)
	} else {
		s.afterCommit(plan.ProjectID, nil)
	}
	return location, nil
}

// DeleteLocation snapshots the location before removal, clears its stamps
// back to unassigned, and deletes the row with its vertex children.
func (s *Service) DeleteLocation(ctx context.Context, locationID string) error {
	var plan domain.Plan
	var deltas []counts.CountDelta

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		location, err := loadLocationWithVertices(tx, locationID)
		if err != nil {
			return err
		}
		if plan, err = s.loadPlanTx(tx, location.PlanID); err != nil {
			return err
		}

		snapshot, err := domain.EncodeSnapshot(domain.SnapshotOfLocation(location))
		if err != nil {
			return err
		}
		err = s.revisions.Append(tx, domain.RevisionEntry{
			ProjectID:    plan.ProjectID,
			PlanID:       plan.ID,
			EntityID:     location.ID,
			EntityType:   domain.EntityTypeLocation,
			ActionType:   domain.ActionTypeDelete,
			SnapshotJSON: snapshot,
		})
		if err != nil {
			return err
		}

		// Set-null cascade for the location's stamps, with count refresh.
		var stamps []domain.Stamp
		if err := tx.Where("location_id = ?", location.ID).Find(&stamps).Error; err != nil {
			return fmt.Errorf("%w: load assigned stamps: %v", domain.ErrStorage, err)
		}
		if len(stamps) > 0 {
			now := s.clock().UTC().UnixMilli()
			err := tx.Model(&domain.Stamp{}).Where("location_id = ?", location.ID).
				Updates(map[string]any{"location_id": nil, "updated_at_ms": now}).Error
			if err != nil {
				return fmt.Errorf("%w: clear assignments: %v", domain.ErrStorage, err)
			}
			devices := make(map[string]struct{})
			for _, stamp := range stamps {
				devices[stamp.DeviceID] = struct{}{}
			}
			for deviceID := range devices {
				refreshed, err := s.counts.RefreshKeys(tx, location.PlanID, deviceID,
					[]string{location.ID, domain.UnassignedLocationKey})
				if err != nil {
					return err
				}
				deltas = append(deltas, refreshed...)
			}
		}

		if err := tx.Delete(&domain.LocationVertex{}, "location_id = ?", location.ID).Error; err != nil {
			return fmt.Errorf("%w: delete vertices: %v", domain.ErrStorage, err)
		}
		if err := tx.Delete(&domain.Location{}, "id = ?", location.ID).Error; err != nil {
			return fmt.Errorf("%w: delete location: %v", domain.ErrStorage, err)
		}
		return nil
	})
	if txErr != nil {
		s.logError("locations.delete", txErr, zap.String("location_id", locationID))
		return txErr
	}

	s.afterCommit(plan.ProjectID, deltas)
	return nil
}

// GetLocation loads one location with its vertex ring.
func (s *Service) GetLocation(ctx context.Context, locationID string) (domain.Location, error) {
	return loadLocationWithVertices(s.db.WithContext(ctx), locationID)
}

// afterGeometryChange runs the best-effort maintenance pass after a commit
// that changed geometry: plan rescan, event fan-out, and history pruning.
// Failures here never surface to the caller.
func (s *Service) afterGeometryChange(ctx context.Context, projectID string, location domain.Location) {
	deltas, err := s.counts.ResyncLocation(ctx, location)
	if err != nil {
		s.counts.LogResyncFailure(location.ID, err)
		deltas = nil
	}
	s.afterCommit(projectID, deltas)
}

func (s *Service) afterCommit(projectID string, deltas []counts.CountDelta) {
	if s.events != nil {
		for _, delta := range deltas {
			s.events.PublishCountDelta(delta)
		}
	}
	if err := s.revisions.Prune(projectID); err != nil {
		s.revisions.LogPruneFailure(projectID, err)
	}
}

// validateShape normalizes and validates geometry: rectangles need positive
// dimensions, polygons need at least three unique vertices after dedup.
func validateShape(shape geometry.Shape) (geometry.Shape, error) {
	switch s := shape.(type) {
	case geometry.Rectangle:
		if s.Width <= 0 || s.Height <= 0 {
			return nil, fmt.Errorf("%w: rectangle dimensions must be positive", domain.ErrInvalidInput)
		}
		return s, nil
	case geometry.Polygon:
		vertices := geometry.DedupVertices(s.Vertices)
		if len(vertices) < 3 {
			return nil, fmt.Errorf("%w: polygon needs at least 3 unique vertices", domain.ErrInvalidInput)
		}
		return geometry.Polygon{Vertices: vertices}, nil
	default:
		return nil, fmt.Errorf("%w: missing shape", domain.ErrInvalidInput)
	}
}

func loadLocationWithVertices(tx *gorm.DB, locationID string) (domain.Location, error) {
	var location domain.Location
	err := tx.Where("id = ?", locationID).Take(&location).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Location{}, fmt.Errorf("%w: location %s", domain.ErrNotFound, locationID)
	}
	if err != nil {
		return domain.Location{}, fmt.Errorf("%w: load location: %v", domain.ErrStorage, err)
	}
	if location.ShapeType == domain.ShapeTypePolygon {
		var vertices []domain.LocationVertex
		if err := tx.Where("location_id = ?", locationID).Order("seq").Find(&vertices).Error; err != nil {
			return domain.Location{}, fmt.Errorf("%w: load vertices: %v", domain.ErrStorage, err)
		}
		location.Vertices = vertices
	}
	return location, nil
}

func (s *Service) loadPlan(ctx context.Context, planID string) (domain.Plan, error) {
	return s.loadPlanTx(s.db.WithContext(ctx), planID)
}

func (s *Service) loadPlanTx(tx *gorm.DB, planID string) (domain.Plan, error) {
	var plan domain.Plan
	err := tx.Where("id = ?", planID).Take(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Plan{}, fmt.Errorf("%w: plan %s", domain.ErrForeignKeyViolation, planID)
	}
	if err != nil {
		return domain.Plan{}, fmt.Errorf("%w: load plan: %v", domain.ErrStorage, err)
	}
	return plan, nil
}

func (s *Service) logError(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{zap.String("operation", operation)}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("location service error", attrs...)
}
