package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/l0p7/proxykit/internal/runtime/policy"
)

// PolicyStore is the gorm-backed override relation, keyed by
// (subject_key, method_key).
type PolicyStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewPolicyStore wraps the shared gorm handle.
func NewPolicyStore(db *gorm.DB) *PolicyStore {
	return &PolicyStore{db: db, now: time.Now}
}

// Find returns nil when no override row exists for the pair.
func (s *PolicyStore) Find(ctx context.Context, subjectKey, methodKey string) (*policy.Policy, error) {
	var row policyModel
	err := s.db.WithContext(ctx).
		Where("subject_key = ? AND method_key = ?", subjectKey, methodKey).
		First(&row).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: find policy: %w", err)
	}
	p := row.toPolicy()
	return &p, nil
}

// Upsert inserts or replaces the pair's override row.
func (s *PolicyStore) Upsert(ctx context.Context, p policy.Policy) error {
	now := s.now().UTC()
	row := policyModelFromPolicy(p)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "subject_key"}, {Name: "method_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"enabled", "rate_limit_per_second", "rate_limit_burst",
				"retry_max_attempts", "retry_base_backoff_ms",
				"cache_ttl_seconds", "idempotency_ttl_seconds", "updated_at",
			}),
		}).
		Create(&row).
		Error
	if err != nil {
		return fmt.Errorf("storage: upsert policy: %w", err)
	}
	return nil
}
