package storage

import (
	"time"

	"github.com/l0p7/proxykit/internal/credentials"
	"github.com/l0p7/proxykit/internal/runtime/audit"
	"github.com/l0p7/proxykit/internal/runtime/idempotency"
	"github.com/l0p7/proxykit/internal/runtime/policy"
)

type idempotencyModel struct {
	ID             int64      `gorm:"column:id;primaryKey;autoIncrement"`
	IdempotencyKey string     `gorm:"column:idempotency_key;size:128;not null;uniqueIndex:ux_idempotency_key_method,priority:1"`
	MethodKey      string     `gorm:"column:method_key;size:512;not null;uniqueIndex:ux_idempotency_key_method,priority:2"`
	RequestHash    string     `gorm:"column:request_hash;size:64;not null"`
	Status         string     `gorm:"column:status;size:16;not null"`
	ResponseJSON   string     `gorm:"column:response_json;type:jsonb"`
	ErrorMessage   string     `gorm:"column:error_message"`
	ExpiresAt      time.Time  `gorm:"column:expires_at;index"`
	LockedAt       *time.Time `gorm:"column:locked_at"`
	LockedBy       string     `gorm:"column:locked_by;size:128"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at"`
}

func (idempotencyModel) TableName() string { return "idempotency_records" }

func (m idempotencyModel) toRecord() idempotency.Record {
	return idempotency.Record{
		ID:             m.ID,
		IdempotencyKey: m.IdempotencyKey,
		MethodKey:      m.MethodKey,
		RequestHash:    m.RequestHash,
		Status:         idempotency.Status(m.Status),
		ResponseJSON:   m.ResponseJSON,
		ErrorMessage:   m.ErrorMessage,
		ExpiresAt:      m.ExpiresAt,
		LockedAt:       m.LockedAt,
		LockedBy:       m.LockedBy,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

type auditModel struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement"`
	CorrelationID  string    `gorm:"column:correlation_id;size:128;index"`
	TraceID        string    `gorm:"column:trace_id;size:128"`
	TargetType     string    `gorm:"column:target_type;size:256"`
	MethodKey      string    `gorm:"column:method_key;size:512;index"`
	ArgsJSON       string    `gorm:"column:args_json;type:jsonb"`
	ResultJSON     string    `gorm:"column:result_json;type:jsonb"`
	ErrorMessage   string    `gorm:"column:error_message"`
	ErrorStack     string    `gorm:"column:error_stack"`
	Status         string    `gorm:"column:status;size:8;not null"`
	DurationMillis int64     `gorm:"column:duration_ms"`
	CreatedAt      time.Time `gorm:"column:created_at;index"`
}

func (auditModel) TableName() string { return "audit_log" }

func auditModelFromRecord(r audit.Record) auditModel {
	return auditModel{
		CorrelationID:  r.CorrelationID,
		TraceID:        r.TraceID,
		TargetType:     r.TargetType,
		MethodKey:      r.MethodKey,
		ArgsJSON:       r.ArgsJSON,
		ResultJSON:     r.ResultJSON,
		ErrorMessage:   r.ErrorMessage,
		ErrorStack:     r.ErrorStack,
		Status:         string(r.Status),
		DurationMillis: r.DurationMillis,
		CreatedAt:      r.CreatedAt,
	}
}

type policyModel struct {
	SubjectKey            string    `gorm:"column:subject_key;size:256;primaryKey"`
	MethodKey             string    `gorm:"column:method_key;size:512;primaryKey"`
	Enabled               bool      `gorm:"column:enabled;not null;default:true"`
	RateLimitPerSecond    *int      `gorm:"column:rate_limit_per_second"`
	RateLimitBurst        *int      `gorm:"column:rate_limit_burst"`
	RetryMaxAttempts      *int      `gorm:"column:retry_max_attempts"`
	RetryBaseBackoffMs    *int      `gorm:"column:retry_base_backoff_ms"`
	CacheTTLSeconds       *int      `gorm:"column:cache_ttl_seconds"`
	IdempotencyTTLSeconds *int      `gorm:"column:idempotency_ttl_seconds"`
	CreatedAt             time.Time `gorm:"column:created_at"`
	UpdatedAt             time.Time `gorm:"column:updated_at"`
}

func (policyModel) TableName() string { return "toolkit_policies" }

func (m policyModel) toPolicy() policy.Policy {
	return policy.Policy{
		SubjectKey:            m.SubjectKey,
		MethodKey:             m.MethodKey,
		Enabled:               m.Enabled,
		RateLimitPerSecond:    m.RateLimitPerSecond,
		RateLimitBurst:        m.RateLimitBurst,
		RetryMaxAttempts:      m.RetryMaxAttempts,
		RetryBaseBackoffMs:    m.RetryBaseBackoffMs,
		CacheTTLSeconds:       m.CacheTTLSeconds,
		IdempotencyTTLSeconds: m.IdempotencyTTLSeconds,
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
	}
}

func policyModelFromPolicy(p policy.Policy) policyModel {
	return policyModel{
		SubjectKey:            p.SubjectKey,
		MethodKey:             p.MethodKey,
		Enabled:               p.Enabled,
		RateLimitPerSecond:    p.RateLimitPerSecond,
		RateLimitBurst:        p.RateLimitBurst,
		RetryMaxAttempts:      p.RetryMaxAttempts,
		RetryBaseBackoffMs:    p.RetryBaseBackoffMs,
		CacheTTLSeconds:       p.CacheTTLSeconds,
		IdempotencyTTLSeconds: p.IdempotencyTTLSeconds,
		CreatedAt:             p.CreatedAt,
		UpdatedAt:             p.UpdatedAt,
	}
}

type credentialModel struct {
	ID         int64      `gorm:"column:id;primaryKey;autoIncrement"`
	ClientName string     `gorm:"column:client_name;size:256;not null"`
	APIKeyHash string     `gorm:"column:api_key_hash;size:128;not null;uniqueIndex"`
	Enabled    bool       `gorm:"column:enabled;not null;default:true"`
	LastUsedAt *time.Time `gorm:"column:last_used_at"`
	CreatedAt  time.Time  `gorm:"column:created_at"`
	UpdatedAt  time.Time  `gorm:"column:updated_at"`
}

func (credentialModel) TableName() string { return "api_credentials" }

func (m credentialModel) toCredential() credentials.Credential {
	return credentials.Credential{
		ID:         m.ID,
		ClientName: m.ClientName,
		APIKeyHash: m.APIKeyHash,
		Enabled:    m.Enabled,
		LastUsedAt: m.LastUsedAt,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}
