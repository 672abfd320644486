package policy

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// seedFile is the YAML shape of a policy seed document.
type seedFile struct {
	Policies []seedPolicy `yaml:"policies"`
}

type seedPolicy struct {
	SubjectKey            string `yaml:"subjectKey"`
	MethodKey             string `yaml:"methodKey"`
	Enabled               *bool  `yaml:"enabled"`
	RateLimitPerSecond    *int   `yaml:"rateLimitPerSecond"`
	RateLimitBurst        *int   `yaml:"rateLimitBurst"`
	RetryMaxAttempts      *int   `yaml:"retryMaxAttempts"`
	RetryBaseBackoffMs    *int   `yaml:"retryBaseBackoffMs"`
	CacheTTLSeconds       *int   `yaml:"cacheTtlSeconds"`
	IdempotencyTTLSeconds *int   `yaml:"idempotencyTtlSeconds"`
}

// LoadSeedFile parses a YAML seed document into policy rows. Rows missing a
// subject or method key are rejected so a typo cannot silently drop an
// override.
func LoadSeedFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read seed file: %w", err)
	}

	var doc seedFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("policy: parse seed file: %w", err)
	}

	policies := make([]Policy, 0, len(doc.Policies))
	for i, row := range doc.Policies {
		subjectKey := strings.TrimSpace(row.SubjectKey)
		methodKey := strings.TrimSpace(row.MethodKey)
		if subjectKey == "" || methodKey == "" {
			return nil, fmt.Errorf("policy: seed entry %d missing subjectKey or methodKey", i)
		}
		enabled := true
		if row.Enabled != nil {
			enabled = *row.Enabled
		}
		policies = append(policies, Policy{
			SubjectKey:            subjectKey,
			MethodKey:             methodKey,
			Enabled:               enabled,
			RateLimitPerSecond:    row.RateLimitPerSecond,
			RateLimitBurst:        row.RateLimitBurst,
			RetryMaxAttempts:      row.RetryMaxAttempts,
			RetryBaseBackoffMs:    row.RetryBaseBackoffMs,
			CacheTTLSeconds:       row.CacheTTLSeconds,
			IdempotencyTTLSeconds: row.IdempotencyTTLSeconds,
		})
	}
	return policies, nil
}

// ApplySeed upserts every seed row into the store.
func ApplySeed(ctx context.Context, store Store, policies []Policy) error {
	for _, p := range policies {
		if err := store.Upsert(ctx, p); err != nil {
			return fmt.Errorf("policy: seed %s %s: %w", p.SubjectKey, p.MethodKey, err)
		}
	}
	return nil
}
