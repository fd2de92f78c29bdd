package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/claudecode-proxy/gateway/internal/cache"
	"github.com/claudecode-proxy/gateway/internal/models"
	"github.com/claudecode-proxy/gateway/internal/security"
)

// ErrKeyNotFound is returned for any key that cannot be resolved to an
// active identity. Lookup failures collapse into it so callers cannot
// distinguish a missing key from a broken repository.
var ErrKeyNotFound = errors.New("access key not found")

// AuthService resolves raw access keys to request contexts, caching
// resolved identities by key hash.
type AuthService struct {
	db     *gorm.DB
	hasher *security.KeyHasher
	store  cache.Store

	defaultRegion string
}

// NewAuthService creates the auth service. defaultRegion fills the context
// when the key carries no per-key region override.
func NewAuthService(db *gorm.DB, hasher *security.KeyHasher, store cache.Store, defaultRegion string) *AuthService {
	return &AuthService{
		db:            db,
		hasher:        hasher,
		store:         store,
		defaultRegion: defaultRegion,
	}
}

// Authenticate resolves rawKey to a RequestContext or ErrKeyNotFound. The
// caller assigns the per-request ID afterwards.
func (s *AuthService) Authenticate(ctx context.Context, rawKey string) (*RequestContext, error) {
	if rawKey == "" {
		return nil, ErrKeyNotFound
	}
	keyHash := s.hasher.Hash(rawKey)

	if cached, ok := s.store.Get(ctx, keyHash); ok {
		var rctx RequestContext
		if errUnmarshal := json.Unmarshal(cached, &rctx); errUnmarshal == nil {
			return &rctx, nil
		}
		s.store.Delete(ctx, keyHash)
	}

	rctx, errLookup := s.lookup(ctx, keyHash)
	if errLookup != nil {
		if !errors.Is(errLookup, ErrKeyNotFound) {
			log.WithError(errLookup).Warn("access key lookup failed")
		}
		return nil, ErrKeyNotFound
	}

	if encoded, errMarshal := json.Marshal(rctx); errMarshal == nil {
		s.store.Set(ctx, keyHash, encoded)
	}
	return rctx, nil
}

func (s *AuthService) lookup(ctx context.Context, keyHash string) (*RequestContext, error) {
	var key models.AccessKey
	errFind := s.db.WithContext(ctx).
		Preload("User").
		Where("key_hash = ?", keyHash).
		First(&key).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, errFind
	}

	if !key.Usable(time.Now()) || key.User == nil || !key.User.IsActive() {
		return nil, ErrKeyNotFound
	}

	var credentials int64
	if errCount := s.db.WithContext(ctx).
		Model(&models.BedrockCredential{}).
		Where("access_key_id = ?", key.ID).
		Count(&credentials).Error; errCount != nil {
		return nil, errCount
	}

	region := key.BedrockRegion
	if region == "" {
		region = s.defaultRegion
	}

	// BedrockModel stays empty without a per-key override so the model
	// resolver's mapping and default still apply.
	return &RequestContext{
		UserID:          key.UserID,
		AccessKeyID:     key.ID,
		KeyPrefix:       key.KeyPrefix,
		BedrockRegion:   region,
		BedrockModel:    key.BedrockModel,
		HasBedrockKey:   credentials > 0,
		RoutingStrategy: key.User.RoutingStrategy,
	}, nil
}

// Invalidate drops the cached identity for a key hash, for use after key
// edits.
func (s *AuthService) Invalidate(ctx context.Context, keyHash string) {
	s.store.Delete(ctx, keyHash)
}
