// Package keyregistry implements domain.KeyRegistry against Postgres: API
// keys are stored hashed, never in plaintext, and usage is logged to a
// simple append-only table rather than the full audit trail a multi-tenant
// gateway would carry.
package keyregistry

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/sathvik-mn/semantiscache/internal/config"
	"github.com/sathvik-mn/semantiscache/internal/domain"
)

// keyPrefix is the required prefix of every raw API token, per the
// Bearer sc-<tenant>-<rest> scheme.
const keyPrefix = "sc-"

// DB wraps a *sql.DB with the connection-pool settings of the configured
// database.
type DB struct {
	*sql.DB
}

// NewDB opens and pings a Postgres connection pool.
func NewDB(cfg config.DatabaseConfig) (*DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxAge)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Registry implements domain.KeyRegistry over the api_keys and
// usage_log tables.
type Registry struct {
	db *DB
}

// NewRegistry wraps db.
func NewRegistry(db *DB) *Registry {
	return &Registry{db: db}
}

func hashToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}

// Validate implements domain.KeyRegistry. It enforces the Bearer
// sc-<tenant>-<rest> shape before ever touching the database, so a
// malformed token never reaches a query.
func (r *Registry) Validate(ctx context.Context, rawToken string) (string, string, error) {
	if !strings.HasPrefix(rawToken, keyPrefix) {
		return "", "", &domain.Unauthorized{Reason: "Malformed API key"}
	}
	rest := strings.TrimPrefix(rawToken, keyPrefix)
	parts := strings.SplitN(rest, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &domain.Unauthorized{Reason: "Malformed API key"}
	}
	claimedTenant := parts[0]

	query := `
		SELECT tenant_id, plan
		FROM api_keys
		WHERE key_hash = $1 AND is_revoked = false
		  AND (expires_at IS NULL OR expires_at > NOW())
	`

	var tenantID, plan string
	err := r.db.QueryRowContext(ctx, query, hashToken(rawToken)).Scan(&tenantID, &plan)
	if err == sql.ErrNoRows {
		return "", "", &domain.Unauthorized{Reason: "Missing or invalid API key"}
	}
	if err != nil {
		return "", "", &domain.StorageError{Cause: err}
	}
	if tenantID != claimedTenant {
		return "", "", &domain.Unauthorized{Reason: "Missing or invalid API key"}
	}

	return tenantID, plan, nil
}

// RecordUse stamps an API key's last-used timestamp. Failures are
// reported but never block the request that triggered them.
func (r *Registry) RecordUse(ctx context.Context, rawToken, tenantID string) error {
	query := `UPDATE api_keys SET last_used_at = NOW() WHERE key_hash = $1 AND tenant_id = $2`
	_, err := r.db.ExecContext(ctx, query, hashToken(rawToken), tenantID)
	if err != nil {
		return &domain.StorageError{Cause: err}
	}
	return nil
}

// LogUsage appends one row to the usage log, used for downstream billing
// and analytics pipelines outside this process.
func (r *Registry) LogUsage(ctx context.Context, apiKey, tenantID, endpoint string, hits, misses int, tokens int64, cost float64) error {
	query := `
		INSERT INTO usage_log (tenant_id, key_hash, endpoint, hits, misses, tokens, cost_usd, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`
	_, err := r.db.ExecContext(ctx, query, tenantID, hashToken(apiKey), endpoint, hits, misses, tokens, cost)
	if err != nil {
		return &domain.StorageError{Cause: err}
	}
	return nil
}
