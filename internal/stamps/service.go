package stamps

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
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a dotted operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "stamps.service.new"
	opCreateStamp = "stamps.create"
	opUpdateStamp = "stamps.update"
	opDeleteStamp = "stamps.delete"
	opGetStamp    = "stamps.get"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider domain.IDProvider
	Logger     *zap.Logger
	Counts     *counts.Service
	Revisions  *history.Log
	Events     counts.Publisher
}

// Service owns all stamp mutations: creation with first-match location
// assignment, updates behind the optimistic timestamp guard, and deletes
// that snapshot prior state for undo.
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
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Counts == nil {
		return nil, newServiceError(opServiceNew, "missing_counts", errMissingCounts)
	}
	if cfg.Revisions == nil {
		return nil, newServiceError(opServiceNew, "missing_revisions", errMissingRevisions)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
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

// CreateStampRequest describes a new stamp placement. A nil LocationID asks
// the resolver to classify the point against the plan's locations.
type CreateStampRequest struct {
	PlanID     string
	DeviceID   string
	LocationID *string
	Page       *int
	X          float64
	Y          float64
	Scale      *float64
}

// UpdateStampRequest mutates position and assignment. Nil pointer fields are
// left untouched; LocationID applies only when LocationSet is true, so the
// assignment can be explicitly cleared. ExpectedUpdatedAtMS, when supplied,
// must exactly match the stored timestamp or the update is rejected.
type UpdateStampRequest struct {
	X                   *float64
	Y                   *float64
	Page                *int
	Scale               *float64
	LocationID          *string
	LocationSet         bool
	ExpectedUpdatedAtMS *int64
}

// CreateStamp inserts the stamp, writes its create revision, and refreshes
// the affected count key, all in one transaction.
func (s *Service) CreateStamp(ctx context.Context, req CreateStampRequest) (domain.Stamp, error) {
	plan, err := s.loadPlan(ctx, req.PlanID)
	if err != nil {
		return domain.Stamp{}, newServiceError(opCreateStamp, "plan_lookup_failed", err)
	}
	if err := s.checkDeviceExists(ctx, req.DeviceID); err != nil {
		return domain.Stamp{}, newServiceError(opCreateStamp, "device_lookup_failed", err)
	}
	if req.LocationID != nil {
		if err := s.checkLocationOnPlan(ctx, *req.LocationID, req.PlanID); err != nil {
			return domain.Stamp{}, newServiceError(opCreateStamp, "location_lookup_failed", err)
		}
	}

	stampID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateStamp, "id_generation_failed", err)
		return domain.Stamp{}, newServiceError(opCreateStamp, "id_generation_failed", err)
	}

	var stamp domain.Stamp
	var deltas []counts.CountDelta
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locationID := req.LocationID
		if locationID == nil {
			resolved, err := s.counts.AssignLocation(tx, req.PlanID, geometry.Point{X: req.X, Y: req.Y})
			if err != nil {
				return err
			}
			locationID = resolved
		}

		now := s.clock().UTC().UnixMilli()
		stamp = domain.Stamp{
			ID:          stampID,
			PlanID:      req.PlanID,
			DeviceID:    req.DeviceID,
			LocationID:  locationID,
			Page:        req.Page,
			X:           req.X,
			Y:           req.Y,
			Scale:       req.Scale,
			CreatedAtMS: now,
			UpdatedAtMS: now,
		}
		if err := tx.Create(&stamp).Error; err != nil {
			return fmt.Errorf("%w: insert stamp: %v", domain.ErrStorage, err)
		}

		err := s.revisions.Append(tx, domain.RevisionEntry{
			ProjectID:  plan.ProjectID,
			PlanID:     plan.ID,
			EntityID:   stamp.ID,
			EntityType: domain.EntityTypeStamp,
			ActionType: domain.ActionTypeCreate,
		})
		if err != nil {
			return err
		}

		deltas, err = s.counts.RefreshKeys(tx, stamp.PlanID, stamp.DeviceID,
			[]string{domain.LocationKey(stamp.LocationID)})
		return err
	})
	if txErr != nil {
		s.logError(opCreateStamp, "transaction_failed", txErr, zap.String("plan_id", req.PlanID))
		return domain.Stamp{}, newServiceError(opCreateStamp, "transaction_failed", txErr)
	}

	s.afterCommit(plan.ProjectID, deltas)
	return stamp, nil
}

// UpdateStamp applies position and assignment changes behind the optimistic
// guard, snapshots the prior state, and refreshes both affected count keys.
func (s *Service) UpdateStamp(ctx context.Context, stampID string, req UpdateStampRequest) (domain.Stamp, error) {
	var stamp domain.Stamp
	var plan domain.Plan
	var deltas []counts.CountDelta

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", stampID).Take(&stamp).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: stamp %s", domain.ErrNotFound, stampID)
		}
		if err != nil {
			return fmt.Errorf("%w: load stamp: %v", domain.ErrStorage, err)
		}
		if err := checkOptimisticLock(stamp.UpdatedAtMS, req.ExpectedUpdatedAtMS); err != nil {
			return err
		}
		if plan, err = s.loadPlanTx(tx, stamp.PlanID); err != nil {
			return err
		}
		if req.LocationSet && req.LocationID != nil {
			if err := s.checkLocationOnPlanTx(tx, *req.LocationID, stamp.PlanID); err != nil {
				return err
			}
		}

		snapshot, err := domain.EncodeSnapshot(domain.SnapshotOfStamp(stamp))
		if err != nil {
			return err
		}
		previousKey := domain.LocationKey(stamp.LocationID)

		positionChanged := false
		if req.X != nil && *req.X != stamp.X {
			stamp.X = *req.X
			positionChanged = true
		}
		if req.Y != nil && *req.Y != stamp.Y {
			stamp.Y = *req.Y
			positionChanged = true
		}
		if req.Page != nil {
			stamp.Page = req.Page
			positionChanged = true
		}
		if req.Scale != nil {
			stamp.Scale = req.Scale
		}

		switch {
		case req.LocationSet:
			stamp.LocationID = req.LocationID
		case positionChanged:
			resolved, err := s.counts.AssignLocation(tx, stamp.PlanID, stamp.Point())
			if err != nil {
				return err
			}
			stamp.LocationID = resolved
		}

		stamp.UpdatedAtMS = s.clock().UTC().UnixMilli()
		updates := map[string]any{
			"location_id":   stamp.LocationID,
			"page":          stamp.Page,
			"x":             stamp.X,
			"y":             stamp.Y,
			"scale":         stamp.Scale,
			"updated_at_ms": stamp.UpdatedAtMS,
		}
		if err := tx.Model(&domain.Stamp{}).Where("id = ?", stamp.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("%w: update stamp: %v", domain.ErrStorage, err)
		}

		err = s.revisions.Append(tx, domain.RevisionEntry{
			ProjectID:    plan.ProjectID,
			PlanID:       plan.ID,
			EntityID:     stamp.ID,
			EntityType:   domain.EntityTypeStamp,
			ActionType:   domain.ActionTypeUpdate,
			SnapshotJSON: snapshot,
		})
		if err != nil {
			return err
		}

		deltas, err = s.counts.RefreshKeys(tx, stamp.PlanID, stamp.DeviceID,
			[]string{previousKey, domain.LocationKey(stamp.LocationID)})
		return err
	})
	if txErr != nil {
		s.logError(opUpdateStamp, "transaction_failed", txErr, zap.String("stamp_id", stampID))
		return domain.Stamp{}, newServiceError(opUpdateStamp, "transaction_failed", txErr)
	}

	s.afterCommit(plan.ProjectID, deltas)
	return stamp, nil
}

// DeleteStamp writes the delete revision with the stamp's prior state before
// removing the row, so undo-of-delete can re-insert it.
func (s *Service) DeleteStamp(ctx context.Context, stampID string) error {
	var plan domain.Plan
	var deltas []counts.CountDelta

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stamp domain.Stamp
		err := tx.Where("id = ?", stampID).Take(&stamp).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: stamp %s", domain.ErrNotFound, stampID)
		}
		if err != nil {
			return fmt.Errorf("%w: load stamp: %v", domain.ErrStorage, err)
		}
		if plan, err = s.loadPlanTx(tx, stamp.PlanID); err != nil {
			return err
		}

		snapshot, err := domain.EncodeSnapshot(domain.SnapshotOfStamp(stamp))
		if err != nil {
			return err
		}
		err = s.revisions.Append(tx, domain.RevisionEntry{
			ProjectID:    plan.ProjectID,
			PlanID:       plan.ID,
			EntityID:     stamp.ID,
			EntityType:   domain.EntityTypeStamp,
			ActionType:   domain.ActionTypeDelete,
			SnapshotJSON: snapshot,
		})
		if err != nil {
			return err
		}

		if err := tx.Delete(&domain.Stamp{}, "id = ?", stamp.ID).Error; err != nil {
			return fmt.Errorf("%w: delete stamp: %v", domain.ErrStorage, err)
		}

		deltas, err = s.counts.RefreshKeys(tx, stamp.PlanID, stamp.DeviceID,
			[]string{domain.LocationKey(stamp.LocationID)})
		return err
	})
	if txErr != nil {
		s.logError(opDeleteStamp, "transaction_failed", txErr, zap.String("stamp_id", stampID))
		return newServiceError(opDeleteStamp, "transaction_failed", txErr)
	}

	s.afterCommit(plan.ProjectID, deltas)
	return nil
}

// GetStamp loads one stamp by identifier.
func (s *Service) GetStamp(ctx context.Context, stampID string) (domain.Stamp, error) {
	var stamp domain.Stamp
	err := s.db.WithContext(ctx).Where("id = ?", stampID).Take(&stamp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Stamp{}, newServiceError(opGetStamp, "not_found",
			fmt.Errorf("%w: stamp %s", domain.ErrNotFound, stampID))
	}
	if err != nil {
		return domain.Stamp{}, newServiceError(opGetStamp, "query_failed",
			fmt.Errorf("%w: %v", domain.ErrStorage, err))
	}
	return stamp, nil
}

// afterCommit runs the fire-and-forget tail of a successful write: event
// fan-out and history pruning. Neither outcome reaches the caller.
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

func (s *Service) checkDeviceExists(ctx context.Context, deviceID string) error {
	var device domain.Device
	err := s.db.WithContext(ctx).Where("id = ?", deviceID).Take(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: device %s", domain.ErrForeignKeyViolation, deviceID)
	}
	if err != nil {
		return fmt.Errorf("%w: load device: %v", domain.ErrStorage, err)
	}
	return nil
}

func (s *Service) checkLocationOnPlan(ctx context.Context, locationID, planID string) error {
	return s.checkLocationOnPlanTx(s.db.WithContext(ctx), locationID, planID)
}

func (s *Service) checkLocationOnPlanTx(tx *gorm.DB, locationID, planID string) error {
	var location domain.Location
	err := tx.Where("id = ? AND plan_id = ?", locationID, planID).Take(&location).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: location %s on plan %s", domain.ErrForeignKeyViolation, locationID, planID)
	}
	if err != nil {
		return fmt.Errorf("%w: load location: %v", domain.ErrStorage, err)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("stamp service error", attrs...)
}
