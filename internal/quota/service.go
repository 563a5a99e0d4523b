// Package quota implements the storage quota authority. Reservations are
// keyed by an idempotency token so a completion attempt can retry the reserve
// call without double-counting, and are rolled back explicitly when the
// attempt fails after reserving.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/chunkvault/chunkvault/internal/common"
	"github.com/chunkvault/chunkvault/pkg/types"
)

// ErrExceeded is returned when a reservation would push usage past the limit
var ErrExceeded = errors.New("storage quota exceeded")

// Service is the GORM-backed quota authority
type Service struct {
	db           *common.Database
	defaultLimit int64
}

// NewService creates a quota service with the given per-user default limit
func NewService(db *common.Database, defaultLimit int64) *Service {
	return &Service{db: db, defaultLimit: defaultLimit}
}

// Reserve holds bytes against the owner's quota under the given token.
// Re-reserving with the same token is a no-op success while the reservation
// is held or committed. Returns ErrExceeded when the limit would be crossed.
func (s *Service) Reserve(ctx context.Context, tenantID, userID uuid.UUID, bytes int64, token string) error {
	if bytes <= 0 {
		return fmt.Errorf("reservation bytes must be positive")
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing types.QuotaReservation
		err := tx.Where("token = ?", token).First(&existing).Error
		if err == nil {
			switch existing.State {
			case types.ReservationHeld, types.ReservationCommitted:
				return nil
			default:
				return fmt.Errorf("reservation token %s was already released", token)
			}
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to look up reservation: %w", err)
		}

		usage, err := s.usageRow(tx, tenantID, userID)
		if err != nil {
			return err
		}

		var heldBytes int64
		err = tx.Model(&types.QuotaReservation{}).
			Where("tenant_id = ? AND user_id = ? AND state = ?", tenantID, userID, types.ReservationHeld).
			Select("COALESCE(SUM(bytes), 0)").
			Scan(&heldBytes).Error
		if err != nil {
			return fmt.Errorf("failed to sum held reservations: %w", err)
		}

		if usage.UsedBytes+heldBytes+bytes > usage.LimitBytes {
			log.Warn().
				Str("tenant_id", tenantID.String()).
				Str("user_id", userID.String()).
				Int64("used", usage.UsedBytes).
				Int64("held", heldBytes).
				Int64("requested", bytes).
				Int64("limit", usage.LimitBytes).
				Msg("quota reservation denied")
			return ErrExceeded
		}

		reservation := &types.QuotaReservation{
			Token:    token,
			TenantID: tenantID,
			UserID:   userID,
			Bytes:    bytes,
			State:    types.ReservationHeld,
		}
		if err := tx.Create(reservation).Error; err != nil {
			return fmt.Errorf("failed to create reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Debug().
		Str("tenant_id", tenantID.String()).
		Str("user_id", userID.String()).
		Int64("bytes", bytes).
		Str("token", token).
		Msg("quota reserved")
	return nil
}

// Commit moves a held reservation into committed usage. Idempotent for
// already-committed tokens.
func (s *Service) Commit(ctx context.Context, token string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var reservation types.QuotaReservation
		if err := tx.Where("token = ?", token).First(&reservation).Error; err != nil {
			return fmt.Errorf("failed to look up reservation %s: %w", token, err)
		}

		switch reservation.State {
		case types.ReservationCommitted:
			return nil
		case types.ReservationReleased:
			return fmt.Errorf("cannot commit released reservation %s", token)
		}

		usage, err := s.usageRow(tx, reservation.TenantID, reservation.UserID)
		if err != nil {
			return err
		}

		usage.UsedBytes += reservation.Bytes
		if err := tx.Save(usage).Error; err != nil {
			return fmt.Errorf("failed to update quota usage: %w", err)
		}

		reservation.State = types.ReservationCommitted
		if err := tx.Save(&reservation).Error; err != nil {
			return fmt.Errorf("failed to commit reservation: %w", err)
		}
		return nil
	})
}

// Release drops a held reservation. Releasing an unknown or already-released
// token is a no-op so rollback paths can call it unconditionally.
func (s *Service) Release(ctx context.Context, token string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var reservation types.QuotaReservation
		err := tx.Where("token = ?", token).First(&reservation).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to look up reservation %s: %w", token, err)
		}

		switch reservation.State {
		case types.ReservationReleased:
			return nil
		case types.ReservationCommitted:
			return fmt.Errorf("cannot release committed reservation %s", token)
		}

		reservation.State = types.ReservationReleased
		if err := tx.Save(&reservation).Error; err != nil {
			return fmt.Errorf("failed to release reservation: %w", err)
		}

		log.Debug().Str("token", token).Msg("quota reservation released")
		return nil
	})
}

// Usage returns the current used/limit snapshot for an owner
func (s *Service) Usage(ctx context.Context, tenantID, userID uuid.UUID) (used, limit int64, err error) {
	var usage types.QuotaUsage
	err = s.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		First(&usage).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, s.defaultLimit, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load quota usage: %w", err)
	}
	return usage.UsedBytes, usage.LimitBytes, nil
}

func (s *Service) usageRow(tx *gorm.DB, tenantID, userID uuid.UUID) (*types.QuotaUsage, error) {
	var usage types.QuotaUsage
	err := tx.Where("tenant_id = ? AND user_id = ?", tenantID, userID).First(&usage).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		usage = types.QuotaUsage{
			TenantID:   tenantID,
			UserID:     userID,
			LimitBytes: s.defaultLimit,
		}
		if err := tx.Create(&usage).Error; err != nil {
			return nil, fmt.Errorf("failed to create quota usage row: %w", err)
		}
		return &usage, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load quota usage: %w", err)
	}
	return &usage, nil
}
