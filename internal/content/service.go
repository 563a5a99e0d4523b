// Package content persists finished file bytes keyed by content hash.
// Identical content is stored once; each successful upload registers an
// ownership row regardless of whether the bytes were deduplicated.
package content

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/chunkvault/chunkvault/internal/common"
	"github.com/chunkvault/chunkvault/internal/storage"
	"github.com/chunkvault/chunkvault/pkg/types"
)

// Outcome reports how a commit was satisfied
type Outcome string

const (
	// OutcomeStored means the bytes were physically written
	OutcomeStored Outcome = "stored"
	// OutcomeDeduped means an identical file already existed
	OutcomeDeduped Outcome = "deduped"
)

// CommitRequest describes one upload's contribution to the content store.
// UploadID identifies the originating session so a retried commit for the
// same upload is recognized and not counted twice.
type CommitRequest struct {
	TenantID    uuid.UUID
	UserID      uuid.UUID
	UploadID    uuid.UUID
	ContentHash string
	Size        int64
	Content     io.Reader
	ContentType string
	FileName    string
	Metadata    types.JSONMap
}

// Commit is the result of CommitUpload
type Commit struct {
	Outcome Outcome
	File    *types.CommittedFile
}

// Service is the content store
type Service struct {
	db    *common.Database
	blobs storage.BlobStorage
}

// NewService creates a content store over the given blob backend
func NewService(db *common.Database, blobs storage.BlobStorage) *Service {
	return &Service{db: db, blobs: blobs}
}

func storagePath(contentHash string) string {
	return fmt.Sprintf("files/%s/%s", contentHash[:2], contentHash)
}

// CommitUpload stores content under its hash, or dedups against an existing
// copy, and registers the uploader's ownership in the same transaction. The
// reference count moves only when the ownership row is inserted, so the two
// never drift apart; a commit retried for the same upload returns the prior
// registration untouched. The dedup path never reads the content reader.
func (s *Service) CommitUpload(ctx context.Context, req *CommitRequest) (*Commit, error) {
	if len(req.ContentHash) < 2 {
		return nil, fmt.Errorf("invalid content hash %q", req.ContentHash)
	}

	var prior types.FileOwnership
	err := s.db.WithContext(ctx).Where("upload_id = ?", req.UploadID).First(&prior).Error
	if err == nil {
		var file types.CommittedFile
		if err := s.db.WithContext(ctx).Where("content_hash = ?", prior.ContentHash).First(&file).Error; err != nil {
			return nil, fmt.Errorf("failed to load committed file for upload %s: %w", req.UploadID, err)
		}
		log.Info().
			Str("upload_id", req.UploadID.String()).
			Str("content_hash", prior.ContentHash).
			Msg("upload already committed, reusing prior registration")
		return &Commit{Outcome: OutcomeDeduped, File: &file}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up prior ownership: %w", err)
	}

	var existing types.CommittedFile
	err = s.db.WithContext(ctx).Where("content_hash = ?", req.ContentHash).First(&existing).Error
	if err == nil {
		if existing.Size != req.Size {
			return nil, fmt.Errorf("content hash collision: stored size %d, incoming size %d", existing.Size, req.Size)
		}
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&types.CommittedFile{}).
				Where("content_hash = ?", req.ContentHash).
				UpdateColumn("ref_count", gorm.Expr("ref_count + 1")).Error; err != nil {
				return fmt.Errorf("failed to bump reference count: %w", err)
			}
			if err := registerOwnership(tx, req); err != nil {
				return err
			}
			return tx.Where("content_hash = ?", req.ContentHash).First(&existing).Error
		})
		if err != nil {
			return nil, err
		}

		log.Info().
			Str("content_hash", req.ContentHash).
			Int64("size", req.Size).
			Msg("content dedup hit, physical store skipped")
		return &Commit{Outcome: OutcomeDeduped, File: &existing}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up committed file: %w", err)
	}

	path := storagePath(req.ContentHash)
	if err := s.blobs.Store(ctx, path, req.Content, req.ContentType); err != nil {
		return nil, fmt.Errorf("failed to store content: %w", err)
	}

	file := &types.CommittedFile{
		ContentHash: req.ContentHash,
		Size:        req.Size,
		ContentType: req.ContentType,
		StoragePath: path,
		Metadata:    req.Metadata,
		RefCount:    1,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(file).Error; err != nil {
			return fmt.Errorf("failed to record committed file: %w", err)
		}
		return registerOwnership(tx, req)
	})
	if err != nil {
		// Roll the physical write back so a retry starts clean
		if delErr := s.blobs.Delete(ctx, path); delErr != nil {
			log.Error().Err(delErr).Str("path", path).Msg("failed to remove orphaned content blob")
		}
		return nil, err
	}

	log.Info().
		Str("content_hash", req.ContentHash).
		Int64("size", req.Size).
		Str("path", path).
		Msg("content committed")
	return &Commit{Outcome: OutcomeStored, File: file}, nil
}

func registerOwnership(tx *gorm.DB, req *CommitRequest) error {
	ownership := &types.FileOwnership{
		TenantID:    req.TenantID,
		UserID:      req.UserID,
		UploadID:    req.UploadID,
		ContentHash: req.ContentHash,
		FileName:    req.FileName,
		ContentType: req.ContentType,
		Size:        req.Size,
	}
	if err := tx.Create(ownership).Error; err != nil {
		return fmt.Errorf("failed to register file ownership: %w", err)
	}

	log.Debug().
		Str("tenant_id", req.TenantID.String()).
		Str("user_id", req.UserID.String()).
		Str("content_hash", req.ContentHash).
		Str("file_name", req.FileName).
		Msg("file ownership registered")
	return nil
}

// Open returns a reader over a committed file's bytes
func (s *Service) Open(ctx context.Context, contentHash string) (io.ReadCloser, error) {
	var file types.CommittedFile
	err := s.db.WithContext(ctx).Where("content_hash = ?", contentHash).First(&file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("no committed file with hash %s", contentHash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up committed file: %w", err)
	}
	return s.blobs.Retrieve(ctx, file.StoragePath)
}
