package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/l0p7/proxykit/internal/runtime/idempotency"
)

// IdempotencyStore is the gorm-backed record relation. Every mutating entry
// point runs in its own transaction under a SELECT ... FOR UPDATE row lock,
// so the claim protocol is linearizable per (key, method).
type IdempotencyStore struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewIdempotencyStore wraps the shared gorm handle.
func NewIdempotencyStore(db *gorm.DB, logger *slog.Logger) *IdempotencyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotencyStore{
		db:     db,
		logger: logger.With(slog.String("component", "idempotency-store")),
		now:    time.Now,
	}
}

// AcquireOrGet runs the claim protocol: insert as PENDING when absent, reset
// when expired, take the lock when PENDING and unlocked, otherwise return
// the row unchanged.
func (s *IdempotencyStore) AcquireOrGet(ctx context.Context, key, methodKey, requestHash string, ttl time.Duration, ownerID string) (idempotency.Record, error) {
	var result idempotency.Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()

		var row idempotencyModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("idempotency_key = ? AND method_key = ?", key, methodKey).
			First(&row).
			Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = idempotencyModel{
				IdempotencyKey: key,
				MethodKey:      methodKey,
				RequestHash:    requestHash,
				Status:         string(idempotency.StatusPending),
				ExpiresAt:      now.Add(ttl),
				LockedAt:       &now,
				LockedBy:       ownerID,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("insert record: %w", err)
			}
		case err != nil:
			return fmt.Errorf("lock record: %w", err)
		case !row.ExpiresAt.IsZero() && row.ExpiresAt.Before(now):
			// Expired rows are treated as absent and reset wholesale.
			row.RequestHash = requestHash
			row.Status = string(idempotency.StatusPending)
			row.ResponseJSON = ""
			row.ErrorMessage = ""
			row.ExpiresAt = now.Add(ttl)
			row.LockedAt = &now
			row.LockedBy = ownerID
			row.UpdatedAt = now
			if err := tx.Save(&row).Error; err != nil {
				return fmt.Errorf("reset expired record: %w", err)
			}
		case row.Status == string(idempotency.StatusPending) && row.LockedBy == "":
			row.LockedAt = &now
			row.LockedBy = ownerID
			row.UpdatedAt = now
			if err := tx.Save(&row).Error; err != nil {
				return fmt.Errorf("take lock: %w", err)
			}
		}

		result = row.toRecord()
		return nil
	})
	if err != nil {
		return idempotency.Record{}, fmt.Errorf("storage: acquire idempotency record: %w", err)
	}
	return result, nil
}

// MarkCompleted terminalizes the row with the serialized response and clears
// the lock.
func (s *IdempotencyStore) MarkCompleted(ctx context.Context, key, methodKey, requestHash, responseJSON string) error {
	return s.terminalize(ctx, key, methodKey, func(row *idempotencyModel) {
		row.RequestHash = requestHash
		row.Status = string(idempotency.StatusCompleted)
		row.ResponseJSON = responseJSON
		row.ErrorMessage = ""
	})
}

// MarkFailed terminalizes the row with the failure message and clears the
// lock.
func (s *IdempotencyStore) MarkFailed(ctx context.Context, key, methodKey, requestHash, message string) error {
	return s.terminalize(ctx, key, methodKey, func(row *idempotencyModel) {
		row.RequestHash = requestHash
		row.Status = string(idempotency.StatusFailed)
		row.ErrorMessage = message
	})
}

func (s *IdempotencyStore) terminalize(ctx context.Context, key, methodKey string, mutate func(*idempotencyModel)) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row idempotencyModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("idempotency_key = ? AND method_key = ?", key, methodKey).
			First(&row).
			Error; err != nil {
			return fmt.Errorf("lock record: %w", err)
		}
		mutate(&row)
		row.LockedAt = nil
		row.LockedBy = ""
		row.UpdatedAt = s.now().UTC()
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("save record: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: terminalize idempotency record: %w", err)
	}
	return nil
}

// Get reads the current row without claiming it.
func (s *IdempotencyStore) Get(ctx context.Context, key, methodKey string) (idempotency.Record, bool, error) {
	var row idempotencyModel
	err := s.db.WithContext(ctx).
		Where("idempotency_key = ? AND method_key = ?", key, methodKey).
		First(&row).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return idempotency.Record{}, false, nil
	}
	if err != nil {
		return idempotency.Record{}, false, fmt.Errorf("storage: get idempotency record: %w", err)
	}
	return row.toRecord(), true, nil
}

// DeleteExpired bulk-deletes rows whose expiry predates now.
func (s *IdempotencyStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Delete(&idempotencyModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("storage: delete expired idempotency records: %w", result.Error)
	}
	return result.RowsAffected, nil
}
