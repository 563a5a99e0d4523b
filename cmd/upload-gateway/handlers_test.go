package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chunkvault/chunkvault/internal/chunkstore"
	"github.com/chunkvault/chunkvault/internal/common"
	"github.com/chunkvault/chunkvault/internal/content"
	"github.com/chunkvault/chunkvault/internal/locks"
	"github.com/chunkvault/chunkvault/internal/quota"
	"github.com/chunkvault/chunkvault/internal/storage"
	"github.com/chunkvault/chunkvault/internal/upload"
	"github.com/chunkvault/chunkvault/pkg/config"
	"github.com/chunkvault/chunkvault/pkg/types"
	"github.com/chunkvault/chunkvault/pkg/utils"
)

const testJWTSecret = "gateway-test-secret"

func setupGateway(t *testing.T) (*gin.Engine, string) {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&types.UploadSession{},
		&types.CommittedFile{},
		&types.FileOwnership{},
		&types.QuotaUsage{},
		&types.QuotaReservation{},
	))
	database := &common.Database{DB: db}

	chunks, err := chunkstore.NewStore(t.TempDir())
	require.NoError(t, err)
	blobs, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	cfg := config.LoadFromEnv()
	cfg.Auth.JWTSecret = testJWTSecret

	engine := upload.NewEngine(
		upload.NewRegistry(database),
		chunks,
		locks.NewManager(),
		quota.NewService(database, cfg.Upload.DefaultQuota),
		content.NewService(database, blobs),
		nil,
		cfg.Upload,
	)

	identity := types.Identity{TenantID: uuid.New(), UserID: uuid.New()}
	token, err := utils.GenerateJWT(identity, testJWTSecret, time.Hour)
	require.NoError(t, err)

	return setupRouter(engine, cfg), token
}

func doJSON(t *testing.T, router *gin.Engine, token, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func startSession(t *testing.T, router *gin.Engine, token string, payloadSize, chunkSize int64) string {
	recorder := doJSON(t, router, token, http.MethodPost, "/api/v1/upload-sessions", types.StartUploadRequest{
		FileName:     "video.mp4",
		DeclaredSize: payloadSize,
		ContentType:  "video/mp4",
		ChunkSize:    chunkSize,
		TotalChunks:  int((payloadSize + chunkSize - 1) / chunkSize),
	})
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())

	var resp struct {
		Data types.StartUploadResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.ClientID)
	return resp.Data.ClientID
}

func putChunkRaw(t *testing.T, router *gin.Engine, token, clientID string, index int, chunk []byte) *httptest.ResponseRecorder {
	path := fmt.Sprintf("/api/v1/upload-sessions/%s/chunks/%d", clientID, index)
	req := httptest.NewRequest(http.MethodPut, path, bytes.NewReader(chunk))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/octet-stream")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func putChunkMultipart(t *testing.T, router *gin.Engine, token, clientID string, index int, chunk []byte) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "chunk")
	require.NoError(t, err)
	_, err = part.Write(chunk)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	path := fmt.Sprintf("/api/v1/upload-sessions/%s/chunks/%d", clientID, index)
	req := httptest.NewRequest(http.MethodPut, path, &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestGateway_FullUploadFlow(t *testing.T) {
	router, token := setupGateway(t)

	payload := bytes.Repeat([]byte("z"), 1024)
	clientID := startSession(t, router, token, 1024, 512)

	// One chunk as a raw body, one as multipart
	recorder := putChunkRaw(t, router, token, clientID, 0, payload[:512])
	assert.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	recorder = putChunkMultipart(t, router, token, clientID, 1, payload[512:])
	assert.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	recorder = doJSON(t, router, token, http.MethodPost, "/api/v1/upload-sessions/"+clientID+"/complete", nil)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var completeResp struct {
		Data types.CompleteResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &completeResp))
	assert.Equal(t, int64(1024), completeResp.Data.Size)
	assert.NotEmpty(t, completeResp.Data.ContentHash)

	recorder = doJSON(t, router, token, http.MethodGet, "/api/v1/upload-sessions/"+clientID, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), string(types.StatusCompleted))
}

func TestGateway_IncompleteCompleteConflicts(t *testing.T) {
	router, token := setupGateway(t)

	payload := bytes.Repeat([]byte("y"), 1024)
	clientID := startSession(t, router, token, 1024, 512)

	recorder := putChunkRaw(t, router, token, clientID, 0, payload[:512])
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = doJSON(t, router, token, http.MethodPost, "/api/v1/upload-sessions/"+clientID+"/complete", nil)
	assert.Equal(t, http.StatusConflict, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "missing_chunks")
}

func TestGateway_UnknownSessionIs404(t *testing.T) {
	router, token := setupGateway(t)

	recorder := doJSON(t, router, token, http.MethodGet, "/api/v1/upload-sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestGateway_RequiresAuth(t *testing.T) {
	router, _ := setupGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/upload-sessions/any", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestGateway_PauseResumeCancel(t *testing.T) {
	router, token := setupGateway(t)

	clientID := startSession(t, router, token, 1024, 512)

	recorder := doJSON(t, router, token, http.MethodPost, "/api/v1/upload-sessions/"+clientID+"/pause", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)

	recorder = doJSON(t, router, token, http.MethodPost, "/api/v1/upload-sessions/"+clientID+"/resume", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)

	recorder = doJSON(t, router, token, http.MethodDelete, "/api/v1/upload-sessions/"+clientID, nil)
	assert.Equal(t, http.StatusOK, recorder.Code)

	// Chunk upload after cancel conflicts
	recorder = putChunkRaw(t, router, token, clientID, 0, bytes.Repeat([]byte("x"), 512))
	assert.Equal(t, http.StatusConflict, recorder.Code)
}

func TestGateway_HealthCheck(t *testing.T) {
	router, _ := setupGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "healthy")
}
