package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chunkvault/chunkvault/internal/common"
	"github.com/chunkvault/chunkvault/pkg/types"
)

// Registry is the durable record of upload sessions and the source of truth
// for resumability. All access to rows of in-flight sessions happens under
// the per-session lock held by the engine.
type Registry struct {
	db *common.Database
}

// NewRegistry creates a session registry over the given database
func NewRegistry(db *common.Database) *Registry {
	return &Registry{db: db}
}

// Create inserts a new session row
func (r *Registry) Create(ctx context.Context, session *types.UploadSession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("failed to create upload session: %w", err)
	}
	return nil
}

// Get loads the session owned by (tenant, user) with the given clientID.
// Returns nil, nil when no such session exists; ownership is part of the key
// so a foreign clientID is indistinguishable from an absent one.
func (r *Registry) Get(ctx context.Context, tenantID, userID uuid.UUID, clientID string) (*types.UploadSession, error) {
	var session types.UploadSession
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ? AND client_id = ?", tenantID, userID, clientID).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load upload session: %w", err)
	}
	return &session, nil
}

// Save persists the full session row
func (r *Registry) Save(ctx context.Context, session *types.UploadSession) error {
	if err := r.db.WithContext(ctx).Save(session).Error; err != nil {
		return fmt.Errorf("failed to save upload session: %w", err)
	}
	return nil
}

// ListExpired returns candidate sessions for the expiry sweep: non-terminal
// sessions whose last activity predates the cutoff for their state. Paused
// sessions get a longer window than active ones.
func (r *Registry) ListExpired(ctx context.Context, activeBefore, pausedBefore time.Time) ([]types.UploadSession, error) {
	var sessions []types.UploadSession
	err := r.db.WithContext(ctx).
		Where("status IN ? AND last_activity_at < ?",
			[]types.SessionStatus{types.StatusPending, types.StatusUploading, types.StatusFailed}, activeBefore).
		Or("status = ? AND last_activity_at < ?", types.StatusPaused, pausedBefore).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	return sessions, nil
}
