package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// LocalStorage implements BlobStorage on the local filesystem. Writes go
// through a temp file, are synced and renamed into place, so readers never
// observe a partially written blob.
type LocalStorage struct {
	basePath string
	mutex    sync.RWMutex
}

// NewLocalStorage creates a local storage rooted at basePath
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Error().Err(err).Str("path", basePath).Msg("failed to create storage directory")
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	log.Info().Str("path", basePath).Msg("local storage initialized")
	return &LocalStorage{basePath: basePath}, nil
}

// Store writes content atomically, hashing while copying for the log record
func (ls *LocalStorage) Store(ctx context.Context, path string, content io.Reader, contentType string) error {
	startTime := time.Now()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	fullPath := filepath.Join(ls.basePath, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to create blob directory")
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	tempPath := fullPath + ".tmp." + fmt.Sprintf("%d", time.Now().UnixNano())
	tempFile, err := os.Create(tempPath)
	if err != nil {
		log.Error().Err(err).Str("temp_path", tempPath).Msg("failed to create temporary file")
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	defer func() {
		tempFile.Close()
		if _, statErr := os.Stat(tempPath); statErr == nil {
			os.Remove(tempPath)
		}
	}()

	hasher := sha256.New()
	bytesWritten, err := io.Copy(io.MultiWriter(tempFile, hasher), content)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to write blob content")
		return fmt.Errorf("failed to write content: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to sync blob file")
		return fmt.Errorf("failed to sync file: %w", err)
	}
	tempFile.Close()

	if err := os.Rename(tempPath, fullPath); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to move blob to final location")
		return fmt.Errorf("failed to move file to final location: %w", err)
	}

	log.Info().
		Str("path", path).
		Str("content_type", contentType).
		Int64("bytes_written", bytesWritten).
		Str("checksum", hex.EncodeToString(hasher.Sum(nil))).
		Dur("duration", time.Since(startTime)).
		Msg("blob stored")

	return nil
}

// Retrieve opens a blob for reading
func (ls *LocalStorage) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	file, err := os.Open(filepath.Join(ls.basePath, path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
		log.Error().Err(err).Str("path", path).Msg("failed to open blob")
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	log.Debug().Str("path", path).Msg("blob opened")
	return file, nil
}

// Delete removes a blob. Deleting an absent blob succeeds.
func (ls *LocalStorage) Delete(ctx context.Context, path string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	if err := os.Remove(filepath.Join(ls.basePath, path)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		log.Error().Err(err).Str("path", path).Msg("failed to delete blob")
		return fmt.Errorf("failed to delete file: %w", err)
	}

	log.Info().Str("path", path).Msg("blob deleted")
	return nil
}

// Exists reports whether a blob is present
func (ls *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	_, err := os.Stat(filepath.Join(ls.basePath, path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}
	return true, nil
}

// GetSize returns a blob's size in bytes
func (ls *LocalStorage) GetSize(ctx context.Context, path string) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	info, err := os.Stat(filepath.Join(ls.basePath, path))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("file not found: %s", path)
		}
		return 0, fmt.Errorf("failed to get file info: %w", err)
	}
	return info.Size(), nil
}
