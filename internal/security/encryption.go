package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Encryptor seals and opens stored Bedrock credentials with AES-256-GCM.
// Locally produced ciphertexts are nonce||sealed. Ciphertexts written by the
// KMS envelope path carry a 2-byte big-endian encrypted-data-key length, the
// encrypted data key, then nonce||sealed; Decrypt understands both layouts.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives a 32-byte AES key from the configured secret via
// HKDF-SHA256 and prepares the AEAD.
func NewEncryptor(secret string) (*Encryptor, error) {
	if secret == "" {
		return nil, fmt.Errorf("encryption: empty secret")
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("bedrock-credential-encryption"))
	if _, errRead := io.ReadFull(kdf, key); errRead != nil {
		return nil, fmt.Errorf("encryption: derive key: %w", errRead)
	}

	block, errCipher := aes.NewCipher(key)
	if errCipher != nil {
		return nil, fmt.Errorf("encryption: new cipher: %w", errCipher)
	}
	aead, errGCM := cipher.NewGCM(block)
	if errGCM != nil {
		return nil, fmt.Errorf("encryption: new gcm: %w", errGCM)
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt seals plaintext as nonce||ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, errRead := io.ReadFull(rand.Reader, nonce); errRead != nil {
		return nil, fmt.Errorf("encryption: generate nonce: %w", errRead)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a locally sealed ciphertext.
func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize+e.aead.Overhead() {
		return nil, fmt.Errorf("encryption: ciphertext too short")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, errOpen := e.aead.Open(nil, nonce, sealed, nil)
	if errOpen != nil {
		return nil, fmt.Errorf("encryption: decrypt: %w", errOpen)
	}
	return plaintext, nil
}

// EnvelopeParts splits a KMS envelope ciphertext into the encrypted data key
// and the nonce||sealed payload.
func EnvelopeParts(envelope []byte) (encryptedDataKey, payload []byte, err error) {
	if len(envelope) < 2 {
		return nil, nil, fmt.Errorf("encryption: envelope too short")
	}
	keyLen := int(binary.BigEndian.Uint16(envelope[:2]))
	if len(envelope) < 2+keyLen {
		return nil, nil, fmt.Errorf("encryption: envelope truncated")
	}
	return envelope[2 : 2+keyLen], envelope[2+keyLen:], nil
}

// BuildEnvelope assembles the KMS envelope layout from an encrypted data key
// and a nonce||sealed payload.
func BuildEnvelope(encryptedDataKey, payload []byte) ([]byte, error) {
	if len(encryptedDataKey) > 0xFFFF {
		return nil, fmt.Errorf("encryption: encrypted data key too long")
	}
	envelope := make([]byte, 2, 2+len(encryptedDataKey)+len(payload))
	binary.BigEndian.PutUint16(envelope, uint16(len(encryptedDataKey)))
	envelope = append(envelope, encryptedDataKey...)
	envelope = append(envelope, payload...)
	return envelope, nil
}
