package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkvault/chunkvault/pkg/types"
)

func TestJWTRoundTrip(t *testing.T) {
	identity := types.Identity{TenantID: uuid.New(), UserID: uuid.New()}

	token, err := GenerateJWT(identity, "test-secret", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	parsed, err := ValidateJWT(token, "test-secret")
	require.NoError(t, err)
	assert.Equal(t, identity, parsed)
}

func TestValidateJWT_WrongSecret(t *testing.T) {
	identity := types.Identity{TenantID: uuid.New(), UserID: uuid.New()}

	token, err := GenerateJWT(identity, "right-secret", time.Hour)
	require.NoError(t, err)

	_, err = ValidateJWT(token, "wrong-secret")
	assert.Error(t, err)
}

func TestValidateJWT_Expired(t *testing.T) {
	identity := types.Identity{TenantID: uuid.New(), UserID: uuid.New()}

	token, err := GenerateJWT(identity, "test-secret", -time.Minute)
	require.NoError(t, err)

	_, err = ValidateJWT(token, "test-secret")
	assert.Error(t, err)
}

func TestValidateJWT_Garbage(t *testing.T) {
	_, err := ValidateJWT("not-a-token", "test-secret")
	assert.Error(t, err)
}

func TestComputeSHA256(t *testing.T) {
	// Well-known vector
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		ComputeSHA256([]byte{}))

	hash, err := ComputeSHA256FromReader(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, ComputeSHA256([]byte("hello")), hash)
}

func TestValidateFileName_Accepts(t *testing.T) {
	valid := []string{
		"report.pdf",
		"photo 2024.jpg",
		"data_set-v2.tar.gz",
		"résumé.docx",
		strings.Repeat("a", 255),
	}
	for _, name := range valid {
		assert.NoError(t, ValidateFileName(name), name)
	}
}

func TestValidateFileName_Rejects(t *testing.T) {
	invalid := map[string]string{
		"empty":                "",
		"too long":             strings.Repeat("a", 256),
		"path traversal":       "../../etc/passwd",
		"forward slash":        "dir/file.txt",
		"backslash":            "dir\\file.txt",
		"home expansion":       "~config",
		"drive letter":         "C:boot.ini",
		"control char":         "file\x01.txt",
		"null byte":            "file\x00.txt",
		"directional override": "invoice‮gpj.exe",
		"trailing dot":         "file.",
		"trailing space":       "file ",
		"reserved device":      "CON",
		"reserved with ext":    "com1.txt",
	}
	for label, name := range invalid {
		assert.Error(t, ValidateFileName(name), label)
	}
}

func TestValidateClientID_Accepts(t *testing.T) {
	valid := []string{
		uuid.NewString(),
		"client-42",
		"SESSION_A",
		strings.Repeat("c", 128),
	}
	for _, id := range valid {
		assert.NoError(t, ValidateClientID(id), id)
	}
}

func TestValidateClientID_Rejects(t *testing.T) {
	invalid := map[string]string{
		"empty":          "",
		"too long":       strings.Repeat("c", 129),
		"path traversal": "../../../victim",
		"forward slash":  "a/b",
		"backslash":      "a\\b",
		"bare dotdot":    "..",
		"dot segment":    ".",
		"dotted name":    "session.1",
		"null byte":      "abc\x00def",
		"control char":   "abc\x1bdef",
		"space":          "client 1",
		"non-ascii":      "sésion",
	}
	for label, id := range invalid {
		assert.Error(t, ValidateClientID(id), label)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KB", FormatBytes(1024))
	assert.Equal(t, "80.0 MB", FormatBytes(80<<20))
	assert.Equal(t, "4.0 GB", FormatBytes(4<<30))
}
