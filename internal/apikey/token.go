package apikey

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// TokenPrefix marks every issued token.
const TokenPrefix = "grok_"

const (
	tokenBytes    = 32
	displayLength = 12
	// auditLength is how much of a presented credential may appear in logs.
	auditLength = 9
)

// GenerateToken returns a fresh unguessable token.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// DisplayPrefix is the portion of a token stored for identification.
func DisplayPrefix(token string) string {
	if len(token) <= displayLength {
		return token
	}
	return token[:displayLength]
}

// AuditPrefix truncates a presented credential for logging. Short values are
// cut to half their length so a full credential never reaches the logs.
func AuditPrefix(credential string) string {
	if credential == "" {
		return ""
	}
	n := min(auditLength, len(credential)/2)
	return credential[:n] + "..."
}

// Mask renders a token prefix for listings.
func Mask(prefix string) string {
	return prefix + strings.Repeat("*", 8)
}
