package chunkstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() SessionKey {
	return SessionKey{TenantID: uuid.New(), UserID: uuid.New(), ClientID: "client-1"}
}

func TestWriteIfAbsent(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	key := testKey()
	ctx := context.Background()

	payload := []byte("chunk payload")
	written, digest, present, err := store.WriteIfAbsent(ctx, key, 0, bytes.NewReader(payload))

	require.NoError(t, err)
	assert.False(t, present)
	assert.Equal(t, int64(len(payload)), written)

	expected := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(expected[:]), digest)

	reader, err := store.Open(ctx, key, 0)
	require.NoError(t, err)
	stored, err := io.ReadAll(reader)
	reader.Close()
	require.NoError(t, err)
	assert.Equal(t, payload, stored)
}

func TestWriteIfAbsent_SkipsExisting(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	key := testKey()
	ctx := context.Background()

	original := []byte("original bytes")
	_, _, _, err = store.WriteIfAbsent(ctx, key, 3, bytes.NewReader(original))
	require.NoError(t, err)

	// A retransmission with different bytes must not overwrite
	_, _, present, err := store.WriteIfAbsent(ctx, key, 3, bytes.NewReader([]byte("different bytes!")))
	require.NoError(t, err)
	assert.True(t, present)

	reader, err := store.Open(ctx, key, 3)
	require.NoError(t, err)
	stored, err := io.ReadAll(reader)
	reader.Close()
	require.NoError(t, err)
	assert.Equal(t, original, stored)
}

func TestSizeAndExists(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	key := testKey()
	ctx := context.Background()

	exists, err := store.Exists(ctx, key, 0)
	require.NoError(t, err)
	assert.False(t, exists)

	_, _, _, err = store.WriteIfAbsent(ctx, key, 0, bytes.NewReader(make([]byte, 42)))
	require.NoError(t, err)

	exists, err = store.Exists(ctx, key, 0)
	require.NoError(t, err)
	assert.True(t, exists)

	size, err := store.Size(ctx, key, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), size)
}

func TestRemove(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	key := testKey()
	ctx := context.Background()

	_, _, _, err = store.WriteIfAbsent(ctx, key, 1, bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	require.NoError(t, store.Remove(ctx, key, 1))

	exists, err := store.Exists(ctx, key, 1)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPurgeSession(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	key := testKey()
	other := SessionKey{TenantID: key.TenantID, UserID: key.UserID, ClientID: "client-2"}
	ctx := context.Background()

	for index := 0; index < 3; index++ {
		_, _, _, err = store.WriteIfAbsent(ctx, key, index, bytes.NewReader([]byte("a")))
		require.NoError(t, err)
	}
	_, _, _, err = store.WriteIfAbsent(ctx, other, 0, bytes.NewReader([]byte("b")))
	require.NoError(t, err)

	require.NoError(t, store.PurgeSession(ctx, key))

	for index := 0; index < 3; index++ {
		exists, err := store.Exists(ctx, key, index)
		require.NoError(t, err)
		assert.False(t, exists)
	}

	// Sibling sessions are untouched
	exists, err := store.Exists(ctx, other, 0)
	require.NoError(t, err)
	assert.True(t, exists)

	// Purging an already-purged session succeeds
	assert.NoError(t, store.PurgeSession(ctx, key))
}

func TestOpen_MissingChunk(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Open(context.Background(), testKey(), 0)
	assert.Error(t, err)
}
