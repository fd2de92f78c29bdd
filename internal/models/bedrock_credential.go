package models

import "time"

// Credential encryption modes.
const (
	EncryptionModeLocal = "local"
	EncryptionModeKMS   = "kms"
)

// BedrockCredential stores the encrypted Bedrock API key attached to an
// access key. The plaintext key never touches the database.
type BedrockCredential struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccessKeyID uint64     `gorm:"not null;uniqueIndex"`   // Owning access key ID.
	AccessKey   *AccessKey `gorm:"foreignKey:AccessKeyID"` // Associated access key record.

	EncryptedKey   []byte `gorm:"not null"`                         // AES-GCM ciphertext (nonce-prefixed, or KMS envelope).
	EncryptionMode string `gorm:"type:text;not null;default:local"` // local or kms.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
