// Package upload implements the resumable chunked upload session engine:
// the session state machine, the completion pipeline and the expiry sweep.
//
// Sessions move PENDING -> UPLOADING <-> PAUSED -> COMPLETED, with CANCELLED
// reachable from any non-terminal state and FAILED from completion errors.
// Every mutating operation runs under the per-session lock; status and
// progress reads are lock-free and may observe a momentarily stale snapshot.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chunkvault/chunkvault/internal/chunkstore"
	"github.com/chunkvault/chunkvault/internal/content"
	"github.com/chunkvault/chunkvault/internal/locks"
	"github.com/chunkvault/chunkvault/internal/quota"
	"github.com/chunkvault/chunkvault/pkg/config"
	"github.com/chunkvault/chunkvault/pkg/types"
	"github.com/chunkvault/chunkvault/pkg/utils"
)

// ChunkStager is the staging store consumed by the engine
type ChunkStager interface {
	WriteIfAbsent(ctx context.Context, key chunkstore.SessionKey, index int, content io.Reader) (written int64, digest string, present bool, err error)
	Open(ctx context.Context, key chunkstore.SessionKey, index int) (io.ReadCloser, error)
	Remove(ctx context.Context, key chunkstore.SessionKey, index int) error
	PurgeSession(ctx context.Context, key chunkstore.SessionKey) error
}

// QuotaAuthority reserves, commits and releases storage quota
type QuotaAuthority interface {
	Reserve(ctx context.Context, tenantID, userID uuid.UUID, bytes int64, token string) error
	Commit(ctx context.Context, token string) error
	Release(ctx context.Context, token string) error
}

// ContentCommitter commits assembled files with dedup-by-hash
type ContentCommitter interface {
	CommitUpload(ctx context.Context, req *content.CommitRequest) (*content.Commit, error)
}

// ProgressCache caches progress snapshots for lock-free reads. Satisfied by
// common.Cache; a nil cache disables snapshotting.
type ProgressCache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, key string) error
}

// Engine orchestrates upload sessions
type Engine struct {
	registry *Registry
	chunks   ChunkStager
	locks    *locks.Manager
	quota    QuotaAuthority
	content  ContentCommitter
	cache    ProgressCache
	cfg      config.UploadConfig
	now      func() time.Time
}

// NewEngine creates the upload session engine
func NewEngine(registry *Registry, chunks ChunkStager, lockMgr *locks.Manager, quotaAuth QuotaAuthority, committer ContentCommitter, cache ProgressCache, cfg config.UploadConfig) *Engine {
	return &Engine{
		registry: registry,
		chunks:   chunks,
		locks:    lockMgr,
		quota:    quotaAuth,
		content:  committer,
		cache:    cache,
		cfg:      cfg,
		now:      time.Now,
	}
}

func sessionLockKey(tenantID, userID uuid.UUID, clientID string) string {
	return fmt.Sprintf("%s/%s/%s", tenantID, userID, clientID)
}

func (e *Engine) stagingKey(tenantID, userID uuid.UUID, clientID string) chunkstore.SessionKey {
	return chunkstore.SessionKey{TenantID: tenantID, UserID: userID, ClientID: clientID}
}

// Start opens a new session or resumes an existing one. A reused clientID
// with identical parameters returns the accumulated state; a parameter
// mismatch is a conflict.
func (e *Engine) Start(ctx context.Context, tenantID, userID uuid.UUID, req *types.StartUploadRequest) (*types.StartUploadResult, error) {
	if err := e.validateStart(req); err != nil {
		return nil, err
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	release := e.locks.Acquire(sessionLockKey(tenantID, userID, clientID))
	defer release()

	existing, err := e.registry.Get(ctx, tenantID, userID, clientID)
	if err != nil {
		return nil, storagef(err, "failed to look up session")
	}

	if existing != nil {
		if gateErr := e.gateMutable(existing); gateErr != nil {
			return nil, gateErr
		}
		if existing.FileName != req.FileName ||
			existing.DeclaredSize != req.DeclaredSize ||
			existing.ChunkSize != req.ChunkSize ||
			existing.TotalChunks != req.TotalChunks {
			return nil, conflictf("client ID %s is already in use with different parameters", clientID)
		}

		existing.LastActivityAt = e.now()
		if err := e.registry.Save(ctx, existing); err != nil {
			return nil, storagef(err, "failed to touch session")
		}

		log.Info().
			Str("client_id", clientID).
			Str("tenant_id", tenantID.String()).
			Int("uploaded", existing.Uploaded.Count()).
			Int("total_chunks", existing.TotalChunks).
			Msg("resumed upload session")

		return &types.StartUploadResult{
			ClientID:       clientID,
			Resumed:        true,
			UploadedChunks: existing.Uploaded.Indices(),
			ChunkSize:      existing.ChunkSize,
			TotalChunks:    existing.TotalChunks,
		}, nil
	}

	session := &types.UploadSession{
		TenantID:       tenantID,
		UserID:         userID,
		ClientID:       clientID,
		FileName:       req.FileName,
		DeclaredSize:   req.DeclaredSize,
		ContentType:    req.ContentType,
		ChunkSize:      req.ChunkSize,
		TotalChunks:    req.TotalChunks,
		ChunkDigests:   types.JSONMap{},
		Status:         types.StatusPending,
		LastActivityAt: e.now(),
	}
	if err := e.registry.Create(ctx, session); err != nil {
		return nil, storagef(err, "failed to create session")
	}

	log.Info().
		Str("client_id", clientID).
		Str("tenant_id", tenantID.String()).
		Str("file_name", req.FileName).
		Str("declared_size", utils.FormatBytes(req.DeclaredSize)).
		Int("total_chunks", req.TotalChunks).
		Msg("started upload session")

	return &types.StartUploadResult{
		ClientID:       clientID,
		Resumed:        false,
		UploadedChunks: []int{},
		ChunkSize:      req.ChunkSize,
		TotalChunks:    req.TotalChunks,
	}, nil
}

func (e *Engine) validateStart(req *types.StartUploadRequest) error {
	if err := utils.ValidateFileName(req.FileName); err != nil {
		return validationf("invalid file name: %v", err)
	}
	// The client ID becomes the session's staging directory name, so it gets
	// the same scrutiny as the file name
	if req.ClientID != "" {
		if err := utils.ValidateClientID(req.ClientID); err != nil {
			return validationf("invalid client ID: %v", err)
		}
	}
	if req.DeclaredSize <= 0 {
		return validationf("declared size must be positive")
	}
	if req.DeclaredSize > e.cfg.MaxFileSize {
		return validationf("declared size exceeds limit of %s", utils.FormatBytes(e.cfg.MaxFileSize))
	}
	if req.ChunkSize <= 0 {
		return validationf("chunk size must be positive")
	}
	if req.ChunkSize > e.cfg.MaxChunkSize {
		return validationf("chunk size exceeds limit of %s", utils.FormatBytes(e.cfg.MaxChunkSize))
	}
	if req.TotalChunks <= 0 {
		return validationf("total chunks must be positive")
	}
	if req.TotalChunks > e.cfg.MaxTotalChunks {
		return validationf("total chunks exceeds limit of %d", e.cfg.MaxTotalChunks)
	}
	expected := int((req.DeclaredSize + req.ChunkSize - 1) / req.ChunkSize)
	if req.TotalChunks != expected {
		return validationf("total chunks %d inconsistent with declared size and chunk size (expected %d)", req.TotalChunks, expected)
	}
	return nil
}

// gateMutable rejects operations against sessions that can no longer accept
// them. Sessions cancelled by the expiry sweep surface as EXPIRED so a stale
// client can tell the difference from its own cancel.
func (e *Engine) gateMutable(session *types.UploadSession) error {
	switch session.Status {
	case types.StatusCompleted:
		return terminalf("session is already completed")
	case types.StatusCancelled:
		if session.CancelReason == types.CancelReasonExpired {
			return expired()
		}
		return terminalf("session is cancelled")
	}
	return nil
}

// AcceptChunk stages one chunk idempotently and records it in the session.
// A retransmitted index succeeds without changing the uploaded set.
func (e *Engine) AcceptChunk(ctx context.Context, tenantID, userID uuid.UUID, clientID string, index int, size int64, content io.Reader) (*types.AcceptChunkResult, error) {
	release := e.locks.Acquire(sessionLockKey(tenantID, userID, clientID))
	defer release()

	session, err := e.registry.Get(ctx, tenantID, userID, clientID)
	if err != nil {
		return nil, storagef(err, "failed to look up session")
	}
	if session == nil {
		return nil, notFound()
	}
	if gateErr := e.gateMutable(session); gateErr != nil {
		return nil, gateErr
	}
	if session.Status == types.StatusFailed {
		return nil, terminalf("session completion failed (%s); retry complete or cancel", session.FailureReason)
	}

	if index < 0 || index >= session.TotalChunks {
		return nil, validationf("chunk index %d out of range [0, %d)", index, session.TotalChunks)
	}
	expectedSize := session.ExpectedChunkSize(index)
	if size != expectedSize {
		return nil, validationf("chunk %d size %d does not match expected %d", index, size, expectedSize)
	}

	key := e.stagingKey(tenantID, userID, clientID)
	written, digest, present, err := e.chunks.WriteIfAbsent(ctx, key, index, content)
	if err != nil {
		return nil, storagef(err, "failed to stage chunk %d", index)
	}
	if !present {
		if written != expectedSize {
			// The body lied about its length; drop the partial chunk
			if remErr := e.chunks.Remove(ctx, key, index); remErr != nil {
				log.Error().Err(remErr).Str("client_id", clientID).Int("index", index).Msg("failed to remove undersized chunk")
			}
			return nil, validationf("chunk %d carried %d bytes, expected %d", index, written, expectedSize)
		}
		if session.ChunkDigests == nil {
			session.ChunkDigests = types.JSONMap{}
		}
		session.ChunkDigests[fmt.Sprintf("%d", index)] = digest
	}

	session.Uploaded.Add(index)
	if session.Status == types.StatusPending || session.Status == types.StatusPaused {
		session.Status = types.StatusUploading
	}
	session.LastActivityAt = e.now()
	if err := e.registry.Save(ctx, session); err != nil {
		return nil, storagef(err, "failed to record chunk %d", index)
	}

	e.snapshotProgress(ctx, session)

	log.Debug().
		Str("client_id", clientID).
		Int("index", index).
		Bool("retransmit", present).
		Int("uploaded", session.Uploaded.Count()).
		Int("total_chunks", session.TotalChunks).
		Msg("chunk accepted")

	return &types.AcceptChunkResult{
		ClientID:      clientID,
		Index:         index,
		AlreadyStored: present,
		UploadedCount: session.Uploaded.Count(),
		TotalChunks:   session.TotalChunks,
	}, nil
}

// Pause suspends an in-flight session. Uploaded chunks are retained.
func (e *Engine) Pause(ctx context.Context, tenantID, userID uuid.UUID, clientID string) error {
	release := e.locks.Acquire(sessionLockKey(tenantID, userID, clientID))
	defer release()

	session, err := e.registry.Get(ctx, tenantID, userID, clientID)
	if err != nil {
		return storagef(err, "failed to look up session")
	}
	if session == nil {
		return notFound()
	}
	if gateErr := e.gateMutable(session); gateErr != nil {
		return gateErr
	}
	if session.Status == types.StatusFailed {
		return terminalf("session completion failed (%s); retry complete or cancel", session.FailureReason)
	}

	session.Status = types.StatusPaused
	session.LastActivityAt = e.now()
	if err := e.registry.Save(ctx, session); err != nil {
		return storagef(err, "failed to pause session")
	}

	e.snapshotProgress(ctx, session)
	log.Info().Str("client_id", clientID).Msg("upload session paused")
	return nil
}

// Resume returns a paused session to UPLOADING and reports the chunks the
// client does not need to resend.
func (e *Engine) Resume(ctx context.Context, tenantID, userID uuid.UUID, clientID string) (*types.StartUploadResult, error) {
	release := e.locks.Acquire(sessionLockKey(tenantID, userID, clientID))
	defer release()

	session, err := e.registry.Get(ctx, tenantID, userID, clientID)
	if err != nil {
		return nil, storagef(err, "failed to look up session")
	}
	if session == nil {
		return nil, notFound()
	}
	if gateErr := e.gateMutable(session); gateErr != nil {
		return nil, gateErr
	}
	if session.Status == types.StatusFailed {
		return nil, terminalf("session completion failed (%s); retry complete or cancel", session.FailureReason)
	}

	if session.Status == types.StatusPaused {
		session.Status = types.StatusUploading
	}
	session.LastActivityAt = e.now()
	if err := e.registry.Save(ctx, session); err != nil {
		return nil, storagef(err, "failed to resume session")
	}

	e.snapshotProgress(ctx, session)
	log.Info().Str("client_id", clientID).Msg("upload session resumed")

	return &types.StartUploadResult{
		ClientID:       clientID,
		Resumed:        true,
		UploadedChunks: session.Uploaded.Indices(),
		ChunkSize:      session.ChunkSize,
		TotalChunks:    session.TotalChunks,
	}, nil
}

// Cancel terminates a session and purges its staged chunks. Cancelling an
// already-cancelled session succeeds so client retries are tolerated;
// cancelling a completed session is rejected.
func (e *Engine) Cancel(ctx context.Context, tenantID, userID uuid.UUID, clientID string) error {
	release := e.locks.Acquire(sessionLockKey(tenantID, userID, clientID))
	defer release()

	session, err := e.registry.Get(ctx, tenantID, userID, clientID)
	if err != nil {
		return storagef(err, "failed to look up session")
	}
	if session == nil {
		return notFound()
	}

	switch session.Status {
	case types.StatusCompleted:
		return terminalf("session is already completed")
	case types.StatusCancelled:
		return nil
	}

	return e.cancelLocked(ctx, session, types.CancelReasonUser)
}

// cancelLocked transitions a non-terminal session to CANCELLED. Caller holds
// the session lock.
func (e *Engine) cancelLocked(ctx context.Context, session *types.UploadSession, reason string) error {
	key := e.stagingKey(session.TenantID, session.UserID, session.ClientID)
	if err := e.chunks.PurgeSession(ctx, key); err != nil {
		return storagef(err, "failed to purge staged chunks")
	}

	session.Status = types.StatusCancelled
	session.CancelReason = reason
	session.LastActivityAt = e.now()
	if err := e.registry.Save(ctx, session); err != nil {
		return storagef(err, "failed to cancel session")
	}

	e.dropProgress(ctx, session)
	log.Info().
		Str("client_id", session.ClientID).
		Str("reason", reason).
		Msg("upload session cancelled")
	return nil
}

// Complete assembles the file, commits it to the content store under quota,
// and finishes the session. Requires every chunk in [0, totalChunks) to be
// present. On pipeline failure the session moves to FAILED but staged chunks
// are retained, so complete can be retried without re-uploading.
func (e *Engine) Complete(ctx context.Context, tenantID, userID uuid.UUID, clientID string) (*types.CompleteResult, error) {
	release := e.locks.Acquire(sessionLockKey(tenantID, userID, clientID))
	defer release()

	session, err := e.registry.Get(ctx, tenantID, userID, clientID)
	if err != nil {
		return nil, storagef(err, "failed to look up session")
	}
	if session == nil {
		return nil, notFound()
	}
	if gateErr := e.gateMutable(session); gateErr != nil {
		return nil, gateErr
	}

	if missing := session.Uploaded.Missing(session.TotalChunks); len(missing) > 0 {
		return nil, incomplete(missing)
	}

	result, pipelineErr := e.runPipeline(ctx, session)
	if pipelineErr != nil {
		session.Status = types.StatusFailed
		session.FailureReason = pipelineErr.Error()
		session.LastActivityAt = e.now()
		if saveErr := e.registry.Save(ctx, session); saveErr != nil {
			log.Error().Err(saveErr).Str("client_id", clientID).Msg("failed to record completion failure")
		}
		e.snapshotProgress(ctx, session)
		return nil, pipelineErr
	}

	session.Status = types.StatusCompleted
	session.ContentHash = result.ContentHash
	session.FailureReason = ""
	session.LastActivityAt = e.now()
	if err := e.registry.Save(ctx, session); err != nil {
		return nil, storagef(err, "failed to finalize session")
	}

	key := e.stagingKey(tenantID, userID, clientID)
	if err := e.chunks.PurgeSession(ctx, key); err != nil {
		// The file is committed; leftover staging is an annoyance, not a fault
		log.Error().Err(err).Str("client_id", clientID).Msg("failed to purge staging after completion")
	}

	e.dropProgress(ctx, session)
	log.Info().
		Str("client_id", clientID).
		Str("content_hash", result.ContentHash).
		Int64("size", result.Size).
		Bool("deduped", result.Deduped).
		Msg("upload session completed")

	return result, nil
}

// Status returns the read-only view of a session without taking the lock
func (e *Engine) Status(ctx context.Context, tenantID, userID uuid.UUID, clientID string) (*types.SessionStatusResult, error) {
	session, err := e.registry.Get(ctx, tenantID, userID, clientID)
	if err != nil {
		return nil, storagef(err, "failed to look up session")
	}
	if session == nil {
		return nil, notFound()
	}

	return &types.SessionStatusResult{
		ClientID:       session.ClientID,
		FileName:       session.FileName,
		DeclaredSize:   session.DeclaredSize,
		Status:         session.Status,
		UploadedChunks: session.Uploaded.Indices(),
		UploadedCount:  session.Uploaded.Count(),
		TotalChunks:    session.TotalChunks,
		Percent:        progressPercent(session),
		ContentHash:    session.ContentHash,
		FailureReason:  session.FailureReason,
		LastActivityAt: session.LastActivityAt,
	}, nil
}

// Progress returns the lightweight progress snapshot, served from the cache
// when available. Snapshots may trail the registry slightly.
func (e *Engine) Progress(ctx context.Context, tenantID, userID uuid.UUID, clientID string) (*types.ProgressResult, error) {
	if e.cache != nil {
		var cached types.ProgressResult
		if err := e.cache.Get(ctx, progressCacheKey(tenantID, userID, clientID), &cached); err == nil {
			return &cached, nil
		}
	}

	session, err := e.registry.Get(ctx, tenantID, userID, clientID)
	if err != nil {
		return nil, storagef(err, "failed to look up session")
	}
	if session == nil {
		return nil, notFound()
	}

	result := &types.ProgressResult{
		ClientID:      session.ClientID,
		Status:        session.Status,
		UploadedCount: session.Uploaded.Count(),
		TotalChunks:   session.TotalChunks,
		Percent:       progressPercent(session),
	}
	e.snapshotProgress(ctx, session)
	return result, nil
}

// ExpirySweep cancels sessions idle beyond their TTL. Candidates are
// re-checked under the session lock so a session that became active between
// selection and locking is skipped; busy sessions are skipped outright.
func (e *Engine) ExpirySweep(ctx context.Context) (int, error) {
	now := e.now()
	candidates, err := e.registry.ListExpired(ctx, now.Add(-e.cfg.SessionTTL), now.Add(-e.cfg.PausedSessionTTL))
	if err != nil {
		return 0, fmt.Errorf("failed to select expired sessions: %w", err)
	}

	swept := 0
	for i := range candidates {
		candidate := &candidates[i]
		lockKey := sessionLockKey(candidate.TenantID, candidate.UserID, candidate.ClientID)
		release, ok := e.locks.TryAcquire(lockKey)
		if !ok {
			continue
		}

		session, err := e.registry.Get(ctx, candidate.TenantID, candidate.UserID, candidate.ClientID)
		if err != nil || session == nil {
			release()
			continue
		}
		if session.Status.Terminal() || !e.isExpired(session, now) {
			release()
			continue
		}

		if err := e.cancelLocked(ctx, session, types.CancelReasonExpired); err != nil {
			log.Error().Err(err).Str("client_id", session.ClientID).Msg("failed to expire session")
			release()
			continue
		}
		release()
		swept++
	}

	if swept > 0 {
		log.Info().Int("count", swept).Msg("expired upload sessions swept")
	}
	return swept, nil
}

func (e *Engine) isExpired(session *types.UploadSession, now time.Time) bool {
	ttl := e.cfg.SessionTTL
	if session.Status == types.StatusPaused {
		ttl = e.cfg.PausedSessionTTL
	}
	return session.LastActivityAt.Add(ttl).Before(now)
}

func progressPercent(session *types.UploadSession) int {
	if session.TotalChunks == 0 {
		return 0
	}
	return int(math.Round(float64(session.Uploaded.Count()) * 100.0 / float64(session.TotalChunks)))
}

func progressCacheKey(tenantID, userID uuid.UUID, clientID string) string {
	return fmt.Sprintf("upload:progress:%s:%s:%s", tenantID, userID, clientID)
}

// snapshotProgress refreshes the cached progress view. Best effort: a cache
// miss or failure never affects the operation that triggered it.
func (e *Engine) snapshotProgress(ctx context.Context, session *types.UploadSession) {
	if e.cache == nil {
		return
	}
	snapshot := &types.ProgressResult{
		ClientID:      session.ClientID,
		Status:        session.Status,
		UploadedCount: session.Uploaded.Count(),
		TotalChunks:   session.TotalChunks,
		Percent:       progressPercent(session),
	}
	key := progressCacheKey(session.TenantID, session.UserID, session.ClientID)
	if err := e.cache.Set(ctx, key, snapshot, e.cfg.SessionTTL); err != nil {
		log.Debug().Err(err).Str("client_id", session.ClientID).Msg("failed to cache progress snapshot")
	}
}

func (e *Engine) dropProgress(ctx context.Context, session *types.UploadSession) {
	if e.cache == nil {
		return
	}
	key := progressCacheKey(session.TenantID, session.UserID, session.ClientID)
	if err := e.cache.Delete(ctx, key); err != nil {
		log.Debug().Err(err).Str("client_id", session.ClientID).Msg("failed to drop progress snapshot")
	}
}

// quotaDenied distinguishes a denied reservation from authority I/O failure
func quotaDenied(err error) bool {
	return errors.Is(err, quota.ErrExceeded)
}
