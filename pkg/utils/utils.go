package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/chunkvault/chunkvault/pkg/types"
)

// GenerateJWT generates a JWT token carrying the tenant and user identity
func GenerateJWT(identity types.Identity, secret string, expiration time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"tenant_id": identity.TenantID.String(),
		"user_id":   identity.UserID.String(),
		"exp":       time.Now().Add(expiration).Unix(),
		"iat":       time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateJWT validates a JWT token and extracts the identity claims
func ValidateJWT(tokenString, secret string) (types.Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})

	if err != nil {
		return types.Identity{}, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return types.Identity{}, fmt.Errorf("invalid token")
	}

	tenantID, err := parseUUIDClaim(claims, "tenant_id")
	if err != nil {
		return types.Identity{}, err
	}
	userID, err := parseUUIDClaim(claims, "user_id")
	if err != nil {
		return types.Identity{}, err
	}

	return types.Identity{TenantID: tenantID, UserID: userID}, nil
}

func parseUUIDClaim(claims jwt.MapClaims, name string) (uuid.UUID, error) {
	raw, ok := claims[name].(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("invalid %s claim", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s format", name)
	}
	return id, nil
}

// ComputeSHA256 computes the SHA256 hash of data
func ComputeSHA256(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ComputeSHA256FromReader computes SHA256 hash from an io.Reader
func ComputeSHA256FromReader(reader io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, reader); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// MaxFileNameLength bounds accepted file names
const MaxFileNameLength = 255

// windowsReservedNames are device names that must not be used as file names
var windowsReservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {},
	"COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {},
	"LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// ValidateFileName rejects path traversal, absolute paths, control bytes and
// unsafe names. Traversal attempts must be caught at session start, before any
// bytes are staged.
func ValidateFileName(fileName string) error {
	trimmed := strings.TrimSpace(fileName)
	if trimmed == "" {
		return fmt.Errorf("file name is empty")
	}
	if len(fileName) > MaxFileNameLength {
		return fmt.Errorf("file name exceeds %d characters", MaxFileNameLength)
	}
	if strings.ContainsAny(fileName, "/\\") {
		return fmt.Errorf("file name must not contain path separators")
	}
	if fileName == ".." || strings.Contains(fileName, "..") {
		return fmt.Errorf("file name must not contain traversal sequences")
	}
	if strings.HasPrefix(fileName, "~") {
		return fmt.Errorf("file name must not start with a home-directory marker")
	}
	// Drive-letter prefixes like C: are absolute paths on Windows
	if len(fileName) >= 2 && fileName[1] == ':' {
		return fmt.Errorf("file name must not be an absolute path")
	}
	for _, r := range fileName {
		if r == 0 || r < 0x20 || r == 0x7f {
			return fmt.Errorf("file name must not contain control characters")
		}
		// Bidirectional override characters spoof displayed extensions
		if r == '‮' || r == '‫' || r == ' ' {
			return fmt.Errorf("file name must not contain directional override characters")
		}
	}
	if strings.HasSuffix(fileName, ".") || strings.HasSuffix(fileName, " ") {
		return fmt.Errorf("file name must not end with a dot or space")
	}
	base := strings.ToUpper(fileName)
	if dot := strings.IndexByte(base, '.'); dot > 0 {
		base = base[:dot]
	}
	if _, reserved := windowsReservedNames[base]; reserved {
		return fmt.Errorf("file name is a reserved device name")
	}
	return nil
}

// MaxClientIDLength bounds accepted client session identifiers
const MaxClientIDLength = 128

// ValidateClientID rejects client-supplied session identifiers that are not
// safe to use as a single path segment. The ID names the session's staging
// directory, so separators, traversal sequences and control bytes must be
// refused before a session row exists.
func ValidateClientID(clientID string) error {
	if clientID == "" {
		return fmt.Errorf("client ID is empty")
	}
	if len(clientID) > MaxClientIDLength {
		return fmt.Errorf("client ID exceeds %d characters", MaxClientIDLength)
	}
	for _, r := range clientID {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return fmt.Errorf("client ID must contain only letters, digits, hyphens and underscores")
		}
	}
	return nil
}

// FormatBytes formats byte size in human-readable format
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	suffixes := []string{"KB", "MB", "GB", "TB", "PB", "EB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), suffixes[exp])
}
