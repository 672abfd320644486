package storage

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/l0p7/proxykit/internal/runtime/audit"
)

// AuditSink appends rows to the audit_log relation. Each append runs in its
// own transaction so a failed write never rolls back the business path.
type AuditSink struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewAuditSink wraps the shared gorm handle.
func NewAuditSink(db *gorm.DB, logger *slog.Logger) *AuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditSink{
		db:     db,
		logger: logger.With(slog.String("component", "audit-sink")),
	}
}

// Append writes one row.
func (s *AuditSink) Append(ctx context.Context, record audit.Record) error {
	row := auditModelFromRecord(record)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("storage: append audit row: %w", err)
	}
	return nil
}
