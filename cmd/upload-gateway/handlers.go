package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/chunkvault/chunkvault/cmd/upload-gateway/middleware"
	"github.com/chunkvault/chunkvault/internal/upload"
	"github.com/chunkvault/chunkvault/pkg/types"
)

func handleStartSession(engine *upload.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.IdentityFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, types.APIResponse{Success: false, Error: "unauthorized"})
			return
		}

		var req types.StartUploadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{Success: false, Error: "invalid request body"})
			return
		}

		result, err := engine.Start(c.Request.Context(), identity.TenantID, identity.UserID, &req)
		if err != nil {
			respondError(c, err)
			return
		}

		status := http.StatusCreated
		if result.Resumed {
			status = http.StatusOK
		}
		c.JSON(status, types.APIResponse{Success: true, Data: result})
	}
}

func handleUploadChunk(engine *upload.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.IdentityFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, types.APIResponse{Success: false, Error: "unauthorized"})
			return
		}

		index, err := strconv.Atoi(c.Param("index"))
		if err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{Success: false, Error: "invalid chunk index"})
			return
		}

		body, size, err := chunkBody(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{Success: false, Error: "invalid chunk body"})
			return
		}
		defer body.Close()

		result, err := engine.AcceptChunk(c.Request.Context(),
			identity.TenantID, identity.UserID, c.Param("clientId"),
			index, size, body)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: result})
	}
}

func handlePauseSession(engine *upload.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.IdentityFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, types.APIResponse{Success: false, Error: "unauthorized"})
			return
		}

		if err := engine.Pause(c.Request.Context(), identity.TenantID, identity.UserID, c.Param("clientId")); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Message: "session paused"})
	}
}

func handleResumeSession(engine *upload.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.IdentityFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, types.APIResponse{Success: false, Error: "unauthorized"})
			return
		}

		result, err := engine.Resume(c.Request.Context(), identity.TenantID, identity.UserID, c.Param("clientId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: result})
	}
}

func handleCompleteSession(engine *upload.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.IdentityFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, types.APIResponse{Success: false, Error: "unauthorized"})
			return
		}

		result, err := engine.Complete(c.Request.Context(), identity.TenantID, identity.UserID, c.Param("clientId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: result})
	}
}

func handleCancelSession(engine *upload.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.IdentityFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, types.APIResponse{Success: false, Error: "unauthorized"})
			return
		}

		if err := engine.Cancel(c.Request.Context(), identity.TenantID, identity.UserID, c.Param("clientId")); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Message: "session cancelled"})
	}
}

func handleSessionStatus(engine *upload.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.IdentityFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, types.APIResponse{Success: false, Error: "unauthorized"})
			return
		}

		result, err := engine.Status(c.Request.Context(), identity.TenantID, identity.UserID, c.Param("clientId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: result})
	}
}

func handleSessionProgress(engine *upload.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.IdentityFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, types.APIResponse{Success: false, Error: "unauthorized"})
			return
		}

		result, err := engine.Progress(c.Request.Context(), identity.TenantID, identity.UserID, c.Param("clientId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: result})
	}
}

// chunkBody extracts the chunk payload: a multipart "file" part when present,
// otherwise the raw request body.
func chunkBody(c *gin.Context) (io.ReadCloser, int64, error) {
	contentType := c.GetHeader("Content-Type")
	if strings.HasPrefix(contentType, "multipart/") {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			return nil, 0, err
		}
		file, err := fileHeader.Open()
		if err != nil {
			return nil, 0, err
		}
		return file, fileHeader.Size, nil
	}
	return c.Request.Body, c.Request.ContentLength, nil
}

// respondError maps the engine's error kinds onto HTTP statuses
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	body := types.APIResponse{Success: false, Error: err.Error()}

	var uploadErr *upload.Error
	if errors.As(err, &uploadErr) {
		switch uploadErr.Kind {
		case upload.KindValidation:
			status = http.StatusBadRequest
		case upload.KindSessionNotFound:
			status = http.StatusNotFound
		case upload.KindSessionConflict, upload.KindTerminalState:
			status = http.StatusConflict
		case upload.KindIncompleteUpload:
			status = http.StatusConflict
			body.Data = gin.H{"missing_chunks": uploadErr.Missing}
		case upload.KindQuotaExceeded:
			status = http.StatusRequestEntityTooLarge
		case upload.KindExpired:
			status = http.StatusGone
		case upload.KindStorageFailure:
			status = http.StatusInternalServerError
			body.Error = "internal storage error"
		}
	}

	c.JSON(status, body)
}
