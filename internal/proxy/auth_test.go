package proxy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/claudecode-proxy/gateway/internal/cache"
	"github.com/claudecode-proxy/gateway/internal/models"
	"github.com/claudecode-proxy/gateway/internal/security"
)

func newTestAuthService(t *testing.T) (*AuthService, *gorm.DB) {
	t.Helper()
	conn := openTestDB(t, "auth")
	hasher := security.NewKeyHasher("test-hash-secret")
	service := NewAuthService(conn, hasher, cache.NewMemoryStore(time.Minute), "ap-northeast-2")
	return service, conn
}

func seedAccessKey(t *testing.T, conn *gorm.DB, hasher *security.KeyHasher, userStatus, keyStatus, routing string) (string, *models.AccessKey) {
	t.Helper()
	user := &models.User{
		Email:           fmt.Sprintf("auth_%d@example.com", time.Now().UnixNano()),
		Status:          userStatus,
		RoutingStrategy: routing,
	}
	if errCreate := conn.Create(user).Error; errCreate != nil {
		t.Fatalf("create user: %v", errCreate)
	}

	rawKey, prefix, errGen := security.GenerateAccessKey()
	if errGen != nil {
		t.Fatalf("generate key: %v", errGen)
	}
	key := &models.AccessKey{
		UserID:    user.ID,
		Name:      "test key",
		KeyHash:   hasher.Hash(rawKey),
		KeyPrefix: prefix,
		Status:    keyStatus,
	}
	if errCreate := conn.Create(key).Error; errCreate != nil {
		t.Fatalf("create key: %v", errCreate)
	}
	return rawKey, key
}

func TestAuthenticateActiveKey(t *testing.T) {
	service, conn := newTestAuthService(t)
	rawKey, key := seedAccessKey(t, conn, service.hasher, models.UserStatusActive, models.AccessKeyStatusActive, models.RoutingPlanFirst)

	rctx, errAuth := service.Authenticate(context.Background(), rawKey)
	if errAuth != nil {
		t.Fatalf("authenticate: %v", errAuth)
	}
	if rctx.AccessKeyID != key.ID || rctx.UserID != key.UserID {
		t.Fatalf("unexpected context: %+v", rctx)
	}
	if rctx.HasBedrockKey {
		t.Fatal("no credential seeded, HasBedrockKey should be false")
	}
	if rctx.RoutingStrategy != models.RoutingPlanFirst {
		t.Fatalf("routing = %q", rctx.RoutingStrategy)
	}
	if rctx.BedrockRegion != "ap-northeast-2" {
		t.Fatalf("region = %q", rctx.BedrockRegion)
	}
	if rctx.BedrockModel != "" {
		t.Fatalf("model without override = %q, want empty", rctx.BedrockModel)
	}
}

func TestAuthenticateCarriesPerKeyModelOverride(t *testing.T) {
	service, conn := newTestAuthService(t)
	rawKey, key := seedAccessKey(t, conn, service.hasher, models.UserStatusActive, models.AccessKeyStatusActive, models.RoutingPlanFirst)

	if errUpdate := conn.Model(key).Update("bedrock_model", "anthropic.claude-opus-4-1-v1:0").Error; errUpdate != nil {
		t.Fatalf("update key: %v", errUpdate)
	}

	rctx, errAuth := service.Authenticate(context.Background(), rawKey)
	if errAuth != nil {
		t.Fatalf("authenticate: %v", errAuth)
	}
	if rctx.BedrockModel != "anthropic.claude-opus-4-1-v1:0" {
		t.Fatalf("model = %q", rctx.BedrockModel)
	}
}

func TestAuthenticateUnknownKey(t *testing.T) {
	service, _ := newTestAuthService(t)

	if _, errAuth := service.Authenticate(context.Background(), "ak_doesnotexist"); !errors.Is(errAuth, ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound", errAuth)
	}
	if _, errAuth := service.Authenticate(context.Background(), ""); !errors.Is(errAuth, ErrKeyNotFound) {
		t.Fatalf("empty key err = %v, want ErrKeyNotFound", errAuth)
	}
}

func TestAuthenticateRejectsSuspendedUser(t *testing.T) {
	service, conn := newTestAuthService(t)
	rawKey, _ := seedAccessKey(t, conn, service.hasher, models.UserStatusSuspended, models.AccessKeyStatusActive, models.RoutingPlanFirst)

	if _, errAuth := service.Authenticate(context.Background(), rawKey); !errors.Is(errAuth, ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound", errAuth)
	}
}

func TestAuthenticateRejectsRevokedKey(t *testing.T) {
	service, conn := newTestAuthService(t)
	rawKey, _ := seedAccessKey(t, conn, service.hasher, models.UserStatusActive, models.AccessKeyStatusRevoked, models.RoutingPlanFirst)

	if _, errAuth := service.Authenticate(context.Background(), rawKey); !errors.Is(errAuth, ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound", errAuth)
	}
}

func TestAuthenticateRotatingKeyHonorsDeadline(t *testing.T) {
	service, conn := newTestAuthService(t)
	rawKey, key := seedAccessKey(t, conn, service.hasher, models.UserStatusActive, models.AccessKeyStatusRotating, models.RoutingPlanFirst)

	future := time.Now().Add(time.Hour)
	if errUpdate := conn.Model(key).Update("rotation_expires_at", &future).Error; errUpdate != nil {
		t.Fatalf("update key: %v", errUpdate)
	}
	if _, errAuth := service.Authenticate(context.Background(), rawKey); errAuth != nil {
		t.Fatalf("rotating key before deadline should authenticate: %v", errAuth)
	}

	service.Invalidate(context.Background(), service.hasher.Hash(rawKey))
	past := time.Now().Add(-time.Hour)
	if errUpdate := conn.Model(key).Update("rotation_expires_at", &past).Error; errUpdate != nil {
		t.Fatalf("update key: %v", errUpdate)
	}
	if _, errAuth := service.Authenticate(context.Background(), rawKey); !errors.Is(errAuth, ErrKeyNotFound) {
		t.Fatalf("expired rotating key err = %v, want ErrKeyNotFound", errAuth)
	}
}

func TestAuthenticateDetectsBedrockCredential(t *testing.T) {
	service, conn := newTestAuthService(t)
	rawKey, key := seedAccessKey(t, conn, service.hasher, models.UserStatusActive, models.AccessKeyStatusActive, models.RoutingBedrockOnly)

	credential := &models.BedrockCredential{
		AccessKeyID:  key.ID,
		EncryptedKey: []byte("sealed"),
	}
	if errCreate := conn.Create(credential).Error; errCreate != nil {
		t.Fatalf("create credential: %v", errCreate)
	}

	rctx, errAuth := service.Authenticate(context.Background(), rawKey)
	if errAuth != nil {
		t.Fatalf("authenticate: %v", errAuth)
	}
	if !rctx.HasBedrockKey {
		t.Fatal("HasBedrockKey should be true")
	}
	if rctx.RoutingStrategy != models.RoutingBedrockOnly {
		t.Fatalf("routing = %q", rctx.RoutingStrategy)
	}
}

func TestAuthenticateServesCachedIdentity(t *testing.T) {
	service, conn := newTestAuthService(t)
	rawKey, key := seedAccessKey(t, conn, service.hasher, models.UserStatusActive, models.AccessKeyStatusActive, models.RoutingPlanFirst)

	if _, errAuth := service.Authenticate(context.Background(), rawKey); errAuth != nil {
		t.Fatalf("authenticate: %v", errAuth)
	}

	// Revocation is invisible until the cache entry is invalidated.
	if errUpdate := conn.Model(key).Update("status", models.AccessKeyStatusRevoked).Error; errUpdate != nil {
		t.Fatalf("update key: %v", errUpdate)
	}
	if _, errAuth := service.Authenticate(context.Background(), rawKey); errAuth != nil {
		t.Fatalf("cached identity should still authenticate: %v", errAuth)
	}

	service.Invalidate(context.Background(), service.hasher.Hash(rawKey))
	if _, errAuth := service.Authenticate(context.Background(), rawKey); !errors.Is(errAuth, ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound", errAuth)
	}
}
