package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/l0p7/proxykit/internal/credentials"
)

// CredentialStore is the gorm-backed API credential relation.
type CredentialStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewCredentialStore wraps the shared gorm handle.
func NewCredentialStore(db *gorm.DB) *CredentialStore {
	return &CredentialStore{db: db, now: time.Now}
}

// FindActiveByHash returns nil when no enabled credential matches the hash.
func (s *CredentialStore) FindActiveByHash(ctx context.Context, hash string) (*credentials.Credential, error) {
	var row credentialModel
	err := s.db.WithContext(ctx).
		Where("api_key_hash = ? AND enabled = ?", hash, true).
		First(&row).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: find credential: %w", err)
	}
	cred := row.toCredential()
	return &cred, nil
}

// Create stores a new credential and returns it with its assigned id.
func (s *CredentialStore) Create(ctx context.Context, c credentials.Credential) (credentials.Credential, error) {
	now := s.now().UTC()
	row := credentialModel{
		ClientName: c.ClientName,
		APIKeyHash: c.APIKeyHash,
		Enabled:    c.Enabled,
		LastUsedAt: c.LastUsedAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return credentials.Credential{}, fmt.Errorf("storage: create credential: %w", err)
	}
	return row.toCredential(), nil
}

// TouchLastUsed stamps the credential's last successful use.
func (s *CredentialStore) TouchLastUsed(ctx context.Context, hash string, at time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&credentialModel{}).
		Where("api_key_hash = ?", hash).
		Updates(map[string]any{"last_used_at": at, "updated_at": s.now().UTC()}).
		Error
	if err != nil {
		return fmt.Errorf("storage: touch credential: %w", err)
	}
	return nil
}
