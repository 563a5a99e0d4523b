package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chunkvault/chunkvault/internal/content"
	"github.com/chunkvault/chunkvault/pkg/types"
)

// runPipeline assembles the staged chunks into a single file, reserves quota,
// commits the content (dedup-aware) and registers ownership. Caller holds the
// session lock. Any error after the reservation releases it before returning.
func (e *Engine) runPipeline(ctx context.Context, session *types.UploadSession) (*types.CompleteResult, error) {
	start := time.Now()
	key := e.stagingKey(session.TenantID, session.UserID, session.ClientID)

	tempFile, err := os.CreateTemp("", "chunkvault-assemble-*")
	if err != nil {
		return nil, storagef(err, "failed to create assembly file")
	}
	defer func() {
		tempFile.Close()
		os.Remove(tempFile.Name())
	}()

	hasher := sha256.New()
	assembled := io.MultiWriter(tempFile, hasher)

	var totalSize int64
	for index := 0; index < session.TotalChunks; index++ {
		chunk, err := e.chunks.Open(ctx, key, index)
		if err != nil {
			return nil, storagef(err, "failed to open chunk %d", index)
		}
		n, err := io.Copy(assembled, chunk)
		chunk.Close()
		if err != nil {
			return nil, storagef(err, "failed to assemble chunk %d", index)
		}
		totalSize += n
	}

	if totalSize != session.DeclaredSize {
		return nil, validationf("assembled size %d does not match declared size %d", totalSize, session.DeclaredSize)
	}

	contentHash := hex.EncodeToString(hasher.Sum(nil))

	// Dedup hits still consume quota: the owner pays for the logical copy
	reservationToken := uuid.NewString()
	if err := e.quota.Reserve(ctx, session.TenantID, session.UserID, totalSize, reservationToken); err != nil {
		if quotaDenied(err) {
			return nil, quotaExceeded(totalSize)
		}
		return nil, storagef(err, "failed to reserve quota")
	}

	result, err := e.commitReserved(ctx, session, tempFile, contentHash, totalSize)
	if err != nil {
		if relErr := e.quota.Release(ctx, reservationToken); relErr != nil {
			log.Error().Err(relErr).
				Str("client_id", session.ClientID).
				Str("token", reservationToken).
				Msg("failed to release quota reservation after pipeline failure")
		}
		return nil, err
	}

	if err := e.quota.Commit(ctx, reservationToken); err != nil {
		// Still held, so give the headroom back; the committed content row
		// survives and the retry will dedup against it without recharging
		if relErr := e.quota.Release(ctx, reservationToken); relErr != nil {
			log.Error().Err(relErr).
				Str("client_id", session.ClientID).
				Str("token", reservationToken).
				Msg("failed to release quota reservation after commit failure")
		}
		return nil, storagef(err, "failed to commit quota reservation")
	}

	log.Info().
		Str("client_id", session.ClientID).
		Str("content_hash", contentHash).
		Int64("size", totalSize).
		Dur("duration", time.Since(start)).
		Msg("completion pipeline finished")

	return result, nil
}

func (e *Engine) commitReserved(ctx context.Context, session *types.UploadSession, tempFile *os.File, contentHash string, totalSize int64) (*types.CompleteResult, error) {
	if _, err := tempFile.Seek(0, io.SeekStart); err != nil {
		return nil, storagef(err, "failed to rewind assembly file")
	}

	commit, err := e.content.CommitUpload(ctx, &content.CommitRequest{
		TenantID:    session.TenantID,
		UserID:      session.UserID,
		UploadID:    session.ID,
		ContentHash: contentHash,
		Size:        totalSize,
		Content:     tempFile,
		ContentType: session.ContentType,
		FileName:    session.FileName,
		Metadata:    types.JSONMap{"file_name": session.FileName},
	})
	if err != nil {
		return nil, storagef(err, "failed to commit content")
	}

	return &types.CompleteResult{
		ClientID:    session.ClientID,
		ContentHash: contentHash,
		Size:        totalSize,
		Deduped:     commit.Outcome == content.OutcomeDeduped,
	}, nil
}
