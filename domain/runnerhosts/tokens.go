package runnerhosts

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	enrollTokenPrefix  = "enr_"
	runnerSecretPrefix = "rs_"
	secretBytes        = 24
)

// newSecret returns a URL-safe random secret string.
func newSecret(prefix string) string {
	b := make([]byte, secretBytes)
	_, _ = rand.Read(b)
	return prefix + base64.RawURLEncoding.EncodeToString(b)
}

// NewRunnerSecret mints a runner host's long-lived secret.
func NewRunnerSecret() string {
	return newSecret(runnerSecretPrefix)
}

// FormatEnrollToken renders the opaque token handed to the operator:
// enr_{token id hex}.{secret}. The id half locates the row; the secret half
// is verified against the stored salted hash.
func FormatEnrollToken(tokenID, secret string) string {
	id, err := uuid.Parse(tokenID)
	if err != nil {
		return ""
	}
	return enrollTokenPrefix + hex.EncodeToString(id[:]) + "." + secret
}

// ParseEnrollToken splits an enrollment token back into its id and secret
// halves.
func ParseEnrollToken(token string) (tokenID, secret string, err error) {
	rest, ok := strings.CutPrefix(token, enrollTokenPrefix)
	if !ok {
		return "", "", fmt.Errorf("malformed enrollment token")
	}
	idPart, secretPart, ok := strings.Cut(rest, ".")
	if !ok || secretPart == "" {
		return "", "", fmt.Errorf("malformed enrollment token")
	}
	raw, err := hex.DecodeString(idPart)
	if err != nil || len(raw) != 16 {
		return "", "", fmt.Errorf("malformed enrollment token")
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return "", "", fmt.Errorf("malformed enrollment token")
	}
	return id.String(), secretPart, nil
}

// HashSecret produces the salted hash stored for a token or runner secret.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// VerifySecret reports whether secret matches the stored hash.
func VerifySecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
