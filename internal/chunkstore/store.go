// Package chunkstore provides the durable staging area for raw chunk bytes
// while an upload session is in flight. Chunks are addressed by session key
// and index, written once, and removed as a unit when the session ends.
package chunkstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SessionKey identifies the staging directory of one upload session
type SessionKey struct {
	TenantID uuid.UUID
	UserID   uuid.UUID
	ClientID string
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.UserID, k.ClientID)
}

// Store stages chunk files under basePath/<tenant>/<user>/<clientID>/chunk_<n>
type Store struct {
	basePath string
}

// NewStore creates the staging store rooted at basePath
func NewStore(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Error().Err(err).Str("path", basePath).Msg("failed to create staging directory")
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	log.Info().Str("path", basePath).Msg("chunk staging store initialized")
	return &Store{basePath: basePath}, nil
}

func (s *Store) sessionDir(key SessionKey) string {
	return filepath.Join(s.basePath, key.TenantID.String(), key.UserID.String(), key.ClientID)
}

func (s *Store) chunkPath(key SessionKey, index int) string {
	return filepath.Join(s.sessionDir(key), fmt.Sprintf("chunk_%d", index))
}

// WriteIfAbsent stages a chunk idempotently. If the chunk file already exists
// the write is skipped and the stored size is returned with present=true.
// New chunks are written to a temp file, hashed while copying, synced and
// renamed into place so a crash never leaves a partial chunk visible.
func (s *Store) WriteIfAbsent(ctx context.Context, key SessionKey, index int, content io.Reader) (written int64, digest string, present bool, err error) {
	startTime := time.Now()

	select {
	case <-ctx.Done():
		return 0, "", false, ctx.Err()
	default:
	}

	finalPath := s.chunkPath(key, index)
	if info, statErr := os.Stat(finalPath); statErr == nil {
		log.Debug().
			Str("session", key.String()).
			Int("index", index).
			Int64("size", info.Size()).
			Msg("chunk already staged, skipping write")
		return info.Size(), "", true, nil
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		log.Error().Err(err).Str("session", key.String()).Msg("failed to create session staging directory")
		return 0, "", false, fmt.Errorf("failed to create session staging directory: %w", err)
	}

	tempPath := finalPath + ".tmp." + fmt.Sprintf("%d", time.Now().UnixNano())
	tempFile, err := os.Create(tempPath)
	if err != nil {
		log.Error().Err(err).Str("temp_path", tempPath).Msg("failed to create temporary chunk file")
		return 0, "", false, fmt.Errorf("failed to create temporary chunk file: %w", err)
	}

	defer func() {
		tempFile.Close()
		if _, statErr := os.Stat(tempPath); statErr == nil {
			os.Remove(tempPath)
		}
	}()

	hasher := sha256.New()
	written, err = io.Copy(io.MultiWriter(tempFile, hasher), content)
	if err != nil {
		log.Error().Err(err).Str("session", key.String()).Int("index", index).Msg("failed to write chunk content")
		return 0, "", false, fmt.Errorf("failed to write chunk content: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		log.Error().Err(err).Str("session", key.String()).Int("index", index).Msg("failed to sync chunk file")
		return 0, "", false, fmt.Errorf("failed to sync chunk file: %w", err)
	}
	tempFile.Close()

	if err := os.Rename(tempPath, finalPath); err != nil {
		log.Error().Err(err).Str("session", key.String()).Int("index", index).Msg("failed to move chunk to final location")
		return 0, "", false, fmt.Errorf("failed to move chunk to final location: %w", err)
	}

	digest = hex.EncodeToString(hasher.Sum(nil))
	log.Debug().
		Str("session", key.String()).
		Int("index", index).
		Int64("bytes_written", written).
		Str("checksum", digest).
		Dur("duration", time.Since(startTime)).
		Msg("chunk staged")

	return written, digest, false, nil
}

// Open returns a reader over a staged chunk for assembly
func (s *Store) Open(ctx context.Context, key SessionKey, index int) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	file, err := os.Open(s.chunkPath(key, index))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("chunk %d not staged for session %s", index, key.String())
		}
		return nil, fmt.Errorf("failed to open chunk %d: %w", index, err)
	}
	return file, nil
}

// Size returns the staged size of a chunk
func (s *Store) Size(ctx context.Context, key SessionKey, index int) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	info, err := os.Stat(s.chunkPath(key, index))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("chunk %d not staged for session %s", index, key.String())
		}
		return 0, fmt.Errorf("failed to stat chunk %d: %w", index, err)
	}
	return info.Size(), nil
}

// Exists reports whether a chunk is staged
func (s *Store) Exists(ctx context.Context, key SessionKey, index int) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	_, err := os.Stat(s.chunkPath(key, index))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat chunk %d: %w", index, err)
	}
	return true, nil
}

// Remove deletes a single staged chunk. Used when a freshly staged chunk
// fails verification and must not count as uploaded.
func (s *Store) Remove(ctx context.Context, key SessionKey, index int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := os.Remove(s.chunkPath(key, index)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove chunk %d: %w", index, err)
	}
	return nil
}

// PurgeSession removes all staged chunks for a session
func (s *Store) PurgeSession(ctx context.Context, key SessionKey) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	dir := s.sessionDir(key)
	if err := os.RemoveAll(dir); err != nil {
		log.Error().Err(err).Str("session", key.String()).Msg("failed to purge session staging")
		return fmt.Errorf("failed to purge session staging: %w", err)
	}

	log.Debug().Str("session", key.String()).Msg("session staging purged")
	return nil
}
