package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSONMap is a custom type that can handle JSON serialization for both PostgreSQL and SQLite
type JSONMap map[string]interface{}

// Value implements the driver.Valuer interface for GORM
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for GORM
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", value)
	}

	return json.Unmarshal(bytes, j)
}

// SessionStatus is the lifecycle state of an upload session
type SessionStatus string

const (
	StatusPending   SessionStatus = "PENDING"
	StatusUploading SessionStatus = "UPLOADING"
	StatusPaused    SessionStatus = "PAUSED"
	StatusCompleted SessionStatus = "COMPLETED"
	StatusCancelled SessionStatus = "CANCELLED"
	StatusFailed    SessionStatus = "FAILED"
)

// Terminal reports whether the session can no longer accept mutations.
// FAILED is not terminal: complete may be retried and cancel is still allowed.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Cancel reasons recorded on CANCELLED sessions
const (
	CancelReasonUser    = "user"
	CancelReasonExpired = "expired"
)

// ChunkSet is a bitmap of received chunk indices, stored as a raw byte blob
type ChunkSet []byte

// Value implements the driver.Valuer interface for GORM
func (c ChunkSet) Value() (driver.Value, error) {
	if len(c) == 0 {
		return []byte{}, nil
	}
	out := make([]byte, len(c))
	copy(out, c)
	return out, nil
}

// Scan implements the sql.Scanner interface for GORM
func (c *ChunkSet) Scan(value interface{}) error {
	if value == nil {
		*c = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*c = append((*c)[:0], v...)
	case string:
		*c = append((*c)[:0], v...)
	default:
		return fmt.Errorf("cannot scan %T into ChunkSet", value)
	}
	return nil
}

// Add marks a chunk index as present
func (c *ChunkSet) Add(index int) {
	byteIdx := index / 8
	for len(*c) <= byteIdx {
		*c = append(*c, 0)
	}
	(*c)[byteIdx] |= 1 << uint(index%8)
}

// Has reports whether a chunk index is present
func (c ChunkSet) Has(index int) bool {
	byteIdx := index / 8
	if byteIdx >= len(c) {
		return false
	}
	return c[byteIdx]&(1<<uint(index%8)) != 0
}

// Count returns the number of present indices
func (c ChunkSet) Count() int {
	count := 0
	for _, b := range c {
		for b != 0 {
			count += int(b & 1)
			b >>= 1
		}
	}
	return count
}

// Indices returns all present indices in ascending order
func (c ChunkSet) Indices() []int {
	out := make([]int, 0, c.Count())
	for i := 0; i < len(c)*8; i++ {
		if c.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// Missing returns the indices in [0, total) that are not present
func (c ChunkSet) Missing(total int) []int {
	var out []int
	for i := 0; i < total; i++ {
		if !c.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// UploadSession is the durable record of one resumable upload attempt.
// Exactly one row exists per (tenant, user, client_id).
type UploadSession struct {
	ID             uuid.UUID     `json:"id" gorm:"primaryKey"`
	TenantID       uuid.UUID     `json:"tenant_id" gorm:"type:uuid;not null;uniqueIndex:idx_session_owner_client"`
	UserID         uuid.UUID     `json:"user_id" gorm:"type:uuid;not null;uniqueIndex:idx_session_owner_client"`
	ClientID       string        `json:"client_id" gorm:"not null;uniqueIndex:idx_session_owner_client"`
	FileName       string        `json:"file_name" gorm:"not null"`
	DeclaredSize   int64         `json:"declared_size" gorm:"not null"`
	ContentType    string        `json:"content_type"`
	ChunkSize      int64         `json:"chunk_size" gorm:"not null"`
	TotalChunks    int           `json:"total_chunks" gorm:"not null"`
	Uploaded       ChunkSet      `json:"-" gorm:"column:uploaded_chunks"`
	ChunkDigests   JSONMap       `json:"-" gorm:"serializer:json"`
	Status         SessionStatus `json:"status" gorm:"not null;index"`
	CancelReason   string        `json:"cancel_reason,omitempty"`
	FailureReason  string        `json:"failure_reason,omitempty"`
	ContentHash    string        `json:"content_hash,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	LastActivityAt time.Time     `json:"last_activity_at" gorm:"index"`
}

// BeforeCreate generates a UUID for the session ID
func (s *UploadSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// ExpectedChunkSize returns the byte length chunk index must carry.
// Every chunk is ChunkSize bytes except the last, which takes the remainder.
func (s *UploadSession) ExpectedChunkSize(index int) int64 {
	if index < s.TotalChunks-1 {
		return s.ChunkSize
	}
	last := s.DeclaredSize - int64(s.TotalChunks-1)*s.ChunkSize
	return last
}

// CommittedFile is a content-addressed file in the content store
type CommittedFile struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey"`
	ContentHash string    `json:"content_hash" gorm:"uniqueIndex;not null"`
	Size        int64     `json:"size" gorm:"not null"`
	ContentType string    `json:"content_type"`
	StoragePath string    `json:"-" gorm:"not null"`
	Metadata    JSONMap   `json:"metadata" gorm:"serializer:json"`
	RefCount    int64     `json:"ref_count" gorm:"default:1"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID for the committed file ID
func (f *CommittedFile) BeforeCreate(tx *gorm.DB) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	return nil
}

// FileOwnership links a committed file to the upload that produced it.
// UploadID is unique: one session yields at most one ownership row, so a
// retried completion cannot register the same upload twice.
type FileOwnership struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey"`
	TenantID    uuid.UUID `json:"tenant_id" gorm:"type:uuid;not null;index:idx_ownership_owner"`
	UserID      uuid.UUID `json:"user_id" gorm:"type:uuid;not null;index:idx_ownership_owner"`
	UploadID    uuid.UUID `json:"upload_id" gorm:"type:uuid;not null;uniqueIndex:idx_ownership_upload"`
	ContentHash string    `json:"content_hash" gorm:"not null;index"`
	FileName    string    `json:"file_name" gorm:"not null"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size" gorm:"not null"`
	CreatedAt   time.Time `json:"created_at"`
}

// BeforeCreate generates a UUID for the ownership ID
func (o *FileOwnership) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// QuotaUsage tracks committed storage consumption per (tenant, user)
type QuotaUsage struct {
	ID         uuid.UUID `json:"id" gorm:"primaryKey"`
	TenantID   uuid.UUID `json:"tenant_id" gorm:"type:uuid;not null;uniqueIndex:idx_quota_owner"`
	UserID     uuid.UUID `json:"user_id" gorm:"type:uuid;not null;uniqueIndex:idx_quota_owner"`
	LimitBytes int64     `json:"limit_bytes" gorm:"not null"`
	UsedBytes  int64     `json:"used_bytes" gorm:"not null;default:0"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID for the usage row ID
func (q *QuotaUsage) BeforeCreate(tx *gorm.DB) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	return nil
}

// Reservation states
const (
	ReservationHeld      = "held"
	ReservationCommitted = "committed"
	ReservationReleased  = "released"
)

// QuotaReservation is a held claim against a user's quota, keyed by an
// idempotency token so a completion attempt can safely retry the reserve call
type QuotaReservation struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey"`
	Token     string    `json:"token" gorm:"uniqueIndex;not null"`
	TenantID  uuid.UUID `json:"tenant_id" gorm:"type:uuid;not null"`
	UserID    uuid.UUID `json:"user_id" gorm:"type:uuid;not null"`
	Bytes     int64     `json:"bytes" gorm:"not null"`
	State     string    `json:"state" gorm:"not null;index"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID for the reservation ID
func (r *QuotaReservation) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Identity is the authenticated principal resolved by the gateway middleware
type Identity struct {
	TenantID uuid.UUID `json:"tenant_id"`
	UserID   uuid.UUID `json:"user_id"`
}

// StartUploadRequest opens or resumes an upload session
type StartUploadRequest struct {
	ClientID     string `json:"client_id"`
	FileName     string `json:"file_name" binding:"required"`
	DeclaredSize int64  `json:"declared_size" binding:"required"`
	ContentType  string `json:"content_type"`
	ChunkSize    int64  `json:"chunk_size" binding:"required"`
	TotalChunks  int    `json:"total_chunks" binding:"required"`
}

// StartUploadResult is returned by start for both new and resumed sessions
type StartUploadResult struct {
	ClientID       string `json:"client_id"`
	Resumed        bool   `json:"resumed"`
	UploadedChunks []int  `json:"uploaded_chunks"`
	ChunkSize      int64  `json:"chunk_size"`
	TotalChunks    int    `json:"total_chunks"`
}

// AcceptChunkResult reports the outcome of a chunk write
type AcceptChunkResult struct {
	ClientID      string `json:"client_id"`
	Index         int    `json:"index"`
	AlreadyStored bool   `json:"already_stored"`
	UploadedCount int    `json:"uploaded_count"`
	TotalChunks   int    `json:"total_chunks"`
}

// SessionStatusResult is the read-only view of a session
type SessionStatusResult struct {
	ClientID       string        `json:"client_id"`
	FileName       string        `json:"file_name"`
	DeclaredSize   int64         `json:"declared_size"`
	Status         SessionStatus `json:"status"`
	UploadedChunks []int         `json:"uploaded_chunks"`
	UploadedCount  int           `json:"uploaded_count"`
	TotalChunks    int           `json:"total_chunks"`
	Percent        int           `json:"percent"`
	ContentHash    string        `json:"content_hash,omitempty"`
	FailureReason  string        `json:"failure_reason,omitempty"`
	LastActivityAt time.Time     `json:"last_activity_at"`
}

// ProgressResult is the lightweight progress snapshot
type ProgressResult struct {
	ClientID      string        `json:"client_id"`
	Status        SessionStatus `json:"status"`
	UploadedCount int           `json:"uploaded_count"`
	TotalChunks   int           `json:"total_chunks"`
	Percent       int           `json:"percent"`
}

// CompleteResult is returned by complete on success
type CompleteResult struct {
	ClientID    string `json:"client_id"`
	ContentHash string `json:"content_hash"`
	Size        int64  `json:"size"`
	Deduped     bool   `json:"deduped"`
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}
