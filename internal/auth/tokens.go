package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
	"github.com/CIRISAI/CIRISLens-sub000/internal/storage"
)

// ErrInvalidToken means the presented service token matched no enabled row.
// The error never carries the token itself.
var ErrInvalidToken = errors.New("auth: invalid service token")

// GenerateServiceToken mints a new raw service token. The raw value is
// returned exactly once; only its hash is ever stored.
func GenerateServiceToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate service token: %w", err)
	}
	return "svc_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken reduces a raw token to its stored form.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// touchEvery bounds how often one service's last_used_at is written.
const touchEvery = time.Minute

// TokenVerifier resolves raw service tokens to service names, caching
// verified hashes so the hot ingest path does not hit Postgres per request.
type TokenVerifier struct {
	db     *storage.DB
	logger *slog.Logger

	mu      sync.Mutex
	cache   map[string]string // token hash -> service name
	touched map[string]time.Time
}

// NewTokenVerifier builds a verifier.
func NewTokenVerifier(db *storage.DB, logger *slog.Logger) *TokenVerifier {
	return &TokenVerifier{
		db:      db,
		logger:  logger,
		cache:   map[string]string{},
		touched: map[string]time.Time{},
	}
}

// Verify resolves a raw token to its service name, or ErrInvalidToken.
func (v *TokenVerifier) Verify(ctx context.Context, raw string) (string, error) {
	hash := HashToken(raw)

	v.mu.Lock()
	name, hit := v.cache[hash]
	v.mu.Unlock()

	if !hit {
		token, err := v.db.GetServiceTokenByHash(ctx, hash)
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrInvalidToken
		}
		if err != nil {
			return "", fmt.Errorf("auth: verify service token: %w", err)
		}
		name = token.ServiceName

		v.mu.Lock()
		v.cache[hash] = name
		v.mu.Unlock()
	}

	v.touch(ctx, name)
	return name, nil
}

// Invalidate drops the cache, forcing re-resolution against the database.
// Called after token creation or revocation.
func (v *TokenVerifier) Invalidate() {
	v.mu.Lock()
	v.cache = map[string]string{}
	v.touched = map[string]time.Time{}
	v.mu.Unlock()
}

// touch records usage at most once per touchEvery per service.
func (v *TokenVerifier) touch(ctx context.Context, service string) {
	now := time.Now()

	v.mu.Lock()
	if last, ok := v.touched[service]; ok && now.Sub(last) < touchEvery {
		v.mu.Unlock()
		return
	}
	v.touched[service] = now
	v.mu.Unlock()

	if err := v.db.TouchServiceToken(ctx, service); err != nil && ctx.Err() == nil {
		v.logger.Warn("service token touch failed", "service", service, "error", err)
	}
}

// CreateToken mints and stores a token for a service, returning the raw
// value for one-time display.
func (v *TokenVerifier) CreateToken(ctx context.Context, serviceName, description, createdBy string) (string, error) {
	raw, err := GenerateServiceToken()
	if err != nil {
		return "", err
	}
	err = v.db.CreateServiceToken(ctx, model.ServiceToken{
		ServiceName: serviceName,
		TokenHash:   HashToken(raw),
		Description: description,
		CreatedBy:   createdBy,
		Enabled:     true,
	})
	if err != nil {
		return "", err
	}
	v.Invalidate()
	v.logger.Info("service token created", "service", serviceName, "created_by", createdBy)
	return raw, nil
}

// RevokeToken disables a service's token and drops it from the cache.
func (v *TokenVerifier) RevokeToken(ctx context.Context, serviceName string) (bool, error) {
	revoked, err := v.db.RevokeServiceToken(ctx, serviceName)
	if err != nil {
		return false, err
	}
	if revoked {
		v.Invalidate()
		v.logger.Info("service token revoked", "service", serviceName)
	}
	return revoked, nil
}
