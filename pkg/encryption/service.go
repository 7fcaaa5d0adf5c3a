// Package encryption provides the symmetric cipher used to store connector
// credentials at rest. Secrets are encrypted with AES-256-GCM using a
// per-record subkey derived from the configured master key with HKDF, so no
// two ciphertexts share a key stream even when the plaintext repeats.
package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.uber.org/fx"
	"golang.org/x/crypto/hkdf"

	"github.com/ficheops/control-plane/internal/config"
	"github.com/ficheops/control-plane/pkg/logger"
)

// Common errors
var (
	ErrKeyNotConfigured = errors.New("encryption key not configured")
	ErrDecryptionFailed = errors.New("failed to decrypt data")
)

const hkdfInfo = "ficheops/connector-credentials"

// Service encrypts and decrypts connector credential settings.
type Service struct {
	log *slog.Logger
	key string
}

// NewService creates an encryption service from the configured master key.
func NewService(cfg *config.Config, log *slog.Logger) *Service {
	svc := &Service{
		log: log.With(logger.Scope("encryption")),
		key: cfg.Encryption.Key,
	}

	if svc.key == "" {
		svc.log.Warn("encryption key not set - credentials will NOT be encrypted")
	} else if !svc.IsConfigured() {
		svc.log.Warn("encryption key is short for AES-256", slog.Int("length", len(svc.key)))
	}

	return svc
}

// IsConfigured returns true if the configured key is long enough for AES-256.
func (s *Service) IsConfigured() bool {
	return len(s.key) >= 32
}

// subkey derives a fresh 32-byte AES key from the master key and a random salt.
func (s *Service) subkey(salt []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(s.key), salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}
	return key, nil
}

// Encrypt encrypts a map of settings, returning a base64 blob of
// salt || nonce || ciphertext. If no key is configured it stores plain JSON.
func (s *Service) Encrypt(ctx context.Context, settings map[string]interface{}) (string, error) {
	plaintext, err := json.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("marshal settings: %w", err)
	}

	if !s.IsConfigured() {
		s.log.Warn("encrypting without a configured key - storing as plain JSON (INSECURE)")
		return string(plaintext), nil
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	subkey, err := s.subkey(salt)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	blob := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt. It falls back to parsing the input as plain JSON
// when no key is configured, matching records written before a key was set.
func (s *Service) Decrypt(ctx context.Context, encryptedData string) (map[string]interface{}, error) {
	if encryptedData == "" {
		return make(map[string]interface{}), nil
	}

	if !s.IsConfigured() {
		var settings map[string]interface{}
		if err := json.Unmarshal([]byte(encryptedData), &settings); err != nil {
			s.log.Warn("failed to parse unencrypted settings as JSON", logger.Error(err))
			return make(map[string]interface{}), nil
		}
		return settings, nil
	}

	blob, err := base64.StdEncoding.DecodeString(encryptedData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	if len(blob) < 16 {
		return nil, ErrDecryptionFailed
	}
	salt, rest := blob[:16], blob[16:]

	subkey, err := s.subkey(salt)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	if len(rest) < gcm.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		s.log.Error("failed to decrypt credential", logger.Error(err))
		return nil, ErrDecryptionFailed
	}

	var settings map[string]interface{}
	if err := json.Unmarshal(plaintext, &settings); err != nil {
		return nil, fmt.Errorf("unmarshal decrypted settings: %w", err)
	}

	return settings, nil
}

// EncryptJSON encrypts any JSON-serializable value.
func (s *Service) EncryptJSON(ctx context.Context, value interface{}) (string, error) {
	settings, ok := value.(map[string]interface{})
	if !ok {
		settings = map[string]interface{}{"value": value}
	}
	return s.Encrypt(ctx, settings)
}

// Module provides the encryption service.
var Module = fx.Module("encryption",
	fx.Provide(NewService),
)

// Decrypter is the interface domain code consumes to read back a connector's
// decrypted credentials.
type Decrypter interface {
	Decrypt(ctx context.Context, encryptedData string) (map[string]interface{}, error)
	IsConfigured() bool
}

var _ Decrypter = (*Service)(nil)

// NullService is a no-op encryption service for tests and local dev.
type NullService struct{}

func NewNullService() *NullService {
	return &NullService{}
}

func (n *NullService) Encrypt(ctx context.Context, settings map[string]interface{}) (string, error) {
	data, err := json.Marshal(settings)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (n *NullService) Decrypt(ctx context.Context, data string) (map[string]interface{}, error) {
	if data == "" {
		return make(map[string]interface{}), nil
	}
	var settings map[string]interface{}
	if err := json.Unmarshal([]byte(data), &settings); err != nil {
		return make(map[string]interface{}), nil
	}
	return settings, nil
}

func (n *NullService) IsConfigured() bool {
	return false
}

var _ Decrypter = (*NullService)(nil)
