package history

import (
	"errors"
	"fmt"
	"time"

	"github.com/floorsight/tally/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// historyLimit bounds the combined per-project history, and the retained
// entries per entity kind.
const historyLimit = 100

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

type LogConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider domain.IDProvider
	Logger     *zap.Logger
}

// Log appends immutable revision entries. Append always runs inside the same
// transaction as the entity write it documents.
type Log struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider domain.IDProvider
	logger     *zap.Logger
}

func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("history: %w", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("history: %w", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// Append writes one revision entry inside the caller's transaction. The
// entry's ID and CreatedAtMS are assigned here.
func (l *Log) Append(tx *gorm.DB, entry domain.RevisionEntry) error {
	id, err := l.idProvider.NewID()
	if err != nil {
		return fmt.Errorf("%w: revision id: %v", domain.ErrStorage, err)
	}
	entry.ID = id
	entry.CreatedAtMS = l.clock().UTC().UnixMilli()
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("%w: append revision: %v", domain.ErrStorage, err)
	}
	return nil
}

// Prune evicts, oldest first, the revision entries beyond the retained limit
// for each entity kind of the project. Invoked after the primary write
// commits; failures are logged and swallowed by callers.
func (l *Log) Prune(projectID string) error {
	return pruneProjectHistory(l.db, projectID)
}

func pruneProjectHistory(db *gorm.DB, projectID string) error {
	for _, kind := range []domain.EntityType{domain.EntityTypeStamp, domain.EntityTypeLocation} {
		err := db.Exec(`
			DELETE FROM revision_entries
			WHERE project_id = ? AND entity_type = ?
			AND id NOT IN (
				SELECT id FROM revision_entries
				WHERE project_id = ? AND entity_type = ?
				ORDER BY created_at_ms DESC, id DESC
				LIMIT ?
			)`, projectID, kind, projectID, kind, historyLimit).Error
		if err != nil {
			return fmt.Errorf("%w: prune history: %v", domain.ErrStorage, err)
		}
	}
	return nil
}

// LogPruneFailure records a swallowed prune error.
func (l *Log) LogPruneFailure(projectID string, err error) {
	l.logger.Warn("history prune failed",
		zap.String("operation", "history.prune"),
		zap.String("project_id", projectID),
		zap.Error(err))
}
