package content

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chunkvault/chunkvault/internal/common"
	"github.com/chunkvault/chunkvault/internal/storage"
	"github.com/chunkvault/chunkvault/pkg/types"
)

// MockBlobStorage implements storage.BlobStorage for testing
type MockBlobStorage struct {
	mock.Mock
}

func (m *MockBlobStorage) Store(ctx context.Context, path string, content io.Reader, contentType string) error {
	args := m.Called(ctx, path, content, contentType)
	return args.Error(0)
}

func (m *MockBlobStorage) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func (m *MockBlobStorage) Delete(ctx context.Context, path string) error {
	args := m.Called(ctx, path)
	return args.Error(0)
}

func (m *MockBlobStorage) Exists(ctx context.Context, path string) (bool, error) {
	args := m.Called(ctx, path)
	return args.Bool(0), args.Error(1)
}

func (m *MockBlobStorage) GetSize(ctx context.Context, path string) (int64, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(int64), args.Error(1)
}

func setupTestDB(t *testing.T) *common.Database {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&types.CommittedFile{}, &types.FileOwnership{}))
	return &common.Database{DB: db}
}

func hashOf(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func commitRequest(payload []byte, body io.Reader) *CommitRequest {
	return &CommitRequest{
		TenantID:    uuid.New(),
		UserID:      uuid.New(),
		UploadID:    uuid.New(),
		ContentHash: hashOf(payload),
		Size:        int64(len(payload)),
		Content:     body,
		ContentType: "text/plain",
		FileName:    "a.txt",
		Metadata:    types.JSONMap{"file_name": "a.txt"},
	}
}

func TestCommitUpload_StoresNewContent(t *testing.T) {
	db := setupTestDB(t)
	blobs, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	service := NewService(db, blobs)
	ctx := context.Background()

	payload := []byte("first copy")
	req := commitRequest(payload, bytes.NewReader(payload))

	commit, err := service.CommitUpload(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, commit.Outcome)
	assert.Equal(t, int64(1), commit.File.RefCount)

	reader, err := service.Open(ctx, req.ContentHash)
	require.NoError(t, err)
	stored, err := io.ReadAll(reader)
	reader.Close()
	require.NoError(t, err)
	assert.Equal(t, payload, stored)

	var ownership types.FileOwnership
	require.NoError(t, db.First(&ownership).Error)
	assert.Equal(t, req.TenantID, ownership.TenantID)
	assert.Equal(t, req.UploadID, ownership.UploadID)
	assert.Equal(t, "a.txt", ownership.FileName)
}

func TestCommitUpload_DedupHit(t *testing.T) {
	db := setupTestDB(t)
	blobs, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	service := NewService(db, blobs)
	ctx := context.Background()

	payload := []byte("shared content")
	_, err = service.CommitUpload(ctx, commitRequest(payload, bytes.NewReader(payload)))
	require.NoError(t, err)

	// A second upload of the same bytes must not touch the reader
	commit, err := service.CommitUpload(ctx, commitRequest(payload, failingReader{}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeduped, commit.Outcome)
	assert.Equal(t, int64(2), commit.File.RefCount)

	var files int64
	require.NoError(t, db.Model(&types.CommittedFile{}).Count(&files).Error)
	assert.Equal(t, int64(1), files)

	// Two uploads, two holders
	var owners int64
	require.NoError(t, db.Model(&types.FileOwnership{}).Count(&owners).Error)
	assert.Equal(t, int64(2), owners)
}

func TestCommitUpload_RetrySameUploadDoesNotDrift(t *testing.T) {
	db := setupTestDB(t)
	blobs, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	service := NewService(db, blobs)
	ctx := context.Background()

	payload := []byte("retried content")
	req := commitRequest(payload, bytes.NewReader(payload))

	first, err := service.CommitUpload(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, first.Outcome)

	// Same upload commits again after a failure later in the pipeline; the
	// holder count must not move
	retry, err := service.CommitUpload(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeduped, retry.Outcome)
	assert.Equal(t, int64(1), retry.File.RefCount)

	var owners int64
	require.NoError(t, db.Model(&types.FileOwnership{}).Count(&owners).Error)
	assert.Equal(t, int64(1), owners)
}

func TestCommitUpload_SizeCollision(t *testing.T) {
	db := setupTestDB(t)
	blobs, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	service := NewService(db, blobs)
	ctx := context.Background()

	payload := []byte("some content")
	_, err = service.CommitUpload(ctx, commitRequest(payload, bytes.NewReader(payload)))
	require.NoError(t, err)

	colliding := commitRequest(payload, failingReader{})
	colliding.Size++
	_, err = service.CommitUpload(ctx, colliding)
	assert.Error(t, err)
}

func TestCommitUpload_StoreFailure(t *testing.T) {
	db := setupTestDB(t)
	mockStorage := &MockBlobStorage{}
	service := NewService(db, mockStorage)
	ctx := context.Background()

	mockStorage.On("Store", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(assert.AnError)

	payload := []byte("doomed content")
	_, err := service.CommitUpload(ctx, commitRequest(payload, bytes.NewReader(payload)))
	assert.Error(t, err)

	// Nothing recorded
	var files int64
	require.NoError(t, db.Model(&types.CommittedFile{}).Count(&files).Error)
	assert.Zero(t, files)
	var owners int64
	require.NoError(t, db.Model(&types.FileOwnership{}).Count(&owners).Error)
	assert.Zero(t, owners)

	mockStorage.AssertExpectations(t)
}

func TestOpen_UnknownHash(t *testing.T) {
	db := setupTestDB(t)
	blobs, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	service := NewService(db, blobs)

	_, err = service.Open(context.Background(), hashOf([]byte("never stored")))
	assert.Error(t, err)
}

// failingReader errors on any read; used to prove a path never consumes content
type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}
