package models

import "time"

// Access key statuses.
const (
	AccessKeyStatusActive   = "active"
	AccessKeyStatusRotating = "rotating"
	AccessKeyStatusRevoked  = "revoked"
)

// AccessKey represents a proxy access key issued to a user. Only the
// HMAC-SHA256 hash of the raw key is stored.
type AccessKey struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;index"`    // Owning user ID.
	User   *User  `gorm:"foreignKey:UserID"` // Associated user record.

	Name      string `gorm:"type:text"`                      // Display name for the key.
	KeyHash   string `gorm:"type:text;not null;uniqueIndex"` // HMAC-SHA256 hex of the raw key.
	KeyPrefix string `gorm:"type:text;not null"`             // Display prefix (ak_ + 6 chars).

	Status            string     `gorm:"type:text;not null;default:active"` // active, rotating, or revoked.
	RotationExpiresAt *time.Time // Deadline after which a rotating key stops authenticating.

	BedrockRegion string `gorm:"type:text"` // Per-key Bedrock region override.
	BedrockModel  string `gorm:"type:text"` // Per-key Bedrock model override.

	LastUsedAt *time.Time // Last successful authentication time.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Usable reports whether the key may authenticate at the given time: active
// keys always, rotating keys only until their rotation deadline.
func (k *AccessKey) Usable(now time.Time) bool {
	switch k.Status {
	case AccessKeyStatusActive:
		return true
	case AccessKeyStatusRotating:
		return k.RotationExpiresAt == nil || now.Before(*k.RotationExpiresAt)
	default:
		return false
	}
}
