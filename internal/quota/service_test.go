package quota

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chunkvault/chunkvault/internal/common"
	"github.com/chunkvault/chunkvault/pkg/types"
)

func setupTestDB(t *testing.T) *common.Database {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&types.QuotaUsage{}, &types.QuotaReservation{}))
	return &common.Database{DB: db}
}

func TestReserveAndCommit(t *testing.T) {
	service := NewService(setupTestDB(t), 1000)
	tenantID, userID := uuid.New(), uuid.New()
	ctx := context.Background()

	require.NoError(t, service.Reserve(ctx, tenantID, userID, 400, "tok-1"))

	// Held bytes are not yet committed usage
	used, limit, err := service.Usage(ctx, tenantID, userID)
	require.NoError(t, err)
	assert.Zero(t, used)
	assert.Equal(t, int64(1000), limit)

	require.NoError(t, service.Commit(ctx, "tok-1"))

	used, _, err = service.Usage(ctx, tenantID, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), used)
}

func TestReserve_HeldBytesCountAgainstLimit(t *testing.T) {
	service := NewService(setupTestDB(t), 1000)
	tenantID, userID := uuid.New(), uuid.New()
	ctx := context.Background()

	require.NoError(t, service.Reserve(ctx, tenantID, userID, 600, "tok-1"))

	// 600 held + 600 requested > 1000
	err := service.Reserve(ctx, tenantID, userID, 600, "tok-2")
	assert.ErrorIs(t, err, ErrExceeded)

	// Releasing the hold frees the headroom
	require.NoError(t, service.Release(ctx, "tok-1"))
	assert.NoError(t, service.Reserve(ctx, tenantID, userID, 600, "tok-2"))
}

func TestReserve_ExceedsLimit(t *testing.T) {
	service := NewService(setupTestDB(t), 1000)
	tenantID, userID := uuid.New(), uuid.New()
	ctx := context.Background()

	require.NoError(t, service.Reserve(ctx, tenantID, userID, 900, "tok-1"))
	require.NoError(t, service.Commit(ctx, "tok-1"))

	err := service.Reserve(ctx, tenantID, userID, 200, "tok-2")
	assert.ErrorIs(t, err, ErrExceeded)
}

func TestReserve_TokenIdempotency(t *testing.T) {
	service := NewService(setupTestDB(t), 1000)
	tenantID, userID := uuid.New(), uuid.New()
	ctx := context.Background()

	require.NoError(t, service.Reserve(ctx, tenantID, userID, 400, "tok-1"))
	require.NoError(t, service.Reserve(ctx, tenantID, userID, 400, "tok-1"), "retry while held")

	// Only one reservation row exists
	db := service.db
	var count int64
	require.NoError(t, db.Model(&types.QuotaReservation{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	require.NoError(t, service.Commit(ctx, "tok-1"))
	require.NoError(t, service.Reserve(ctx, tenantID, userID, 400, "tok-1"), "retry after commit")

	used, _, err := service.Usage(ctx, tenantID, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), used, "retry must not double-count")

	// A released token cannot be reused
	require.NoError(t, service.Reserve(ctx, tenantID, userID, 100, "tok-2"))
	require.NoError(t, service.Release(ctx, "tok-2"))
	assert.Error(t, service.Reserve(ctx, tenantID, userID, 100, "tok-2"))
}

func TestCommit_Idempotent(t *testing.T) {
	service := NewService(setupTestDB(t), 1000)
	tenantID, userID := uuid.New(), uuid.New()
	ctx := context.Background()

	require.NoError(t, service.Reserve(ctx, tenantID, userID, 300, "tok-1"))
	require.NoError(t, service.Commit(ctx, "tok-1"))
	require.NoError(t, service.Commit(ctx, "tok-1"))

	used, _, err := service.Usage(ctx, tenantID, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), used)
}

func TestCommit_UnknownToken(t *testing.T) {
	service := NewService(setupTestDB(t), 1000)
	assert.Error(t, service.Commit(context.Background(), "no-such-token"))
}

func TestRelease(t *testing.T) {
	service := NewService(setupTestDB(t), 1000)
	tenantID, userID := uuid.New(), uuid.New()
	ctx := context.Background()

	require.NoError(t, service.Reserve(ctx, tenantID, userID, 300, "tok-1"))
	require.NoError(t, service.Release(ctx, "tok-1"))
	require.NoError(t, service.Release(ctx, "tok-1"), "repeat release is a no-op")
	require.NoError(t, service.Release(ctx, "never-reserved"), "unknown token is a no-op")

	// Committed reservations cannot be released
	require.NoError(t, service.Reserve(ctx, tenantID, userID, 300, "tok-2"))
	require.NoError(t, service.Commit(ctx, "tok-2"))
	assert.Error(t, service.Release(ctx, "tok-2"))
}

func TestReserve_RejectsNonPositive(t *testing.T) {
	service := NewService(setupTestDB(t), 1000)
	tenantID, userID := uuid.New(), uuid.New()

	assert.Error(t, service.Reserve(context.Background(), tenantID, userID, 0, "tok-1"))
	assert.Error(t, service.Reserve(context.Background(), tenantID, userID, -5, "tok-2"))
}

func TestUsage_DefaultLimitWithoutRow(t *testing.T) {
	service := NewService(setupTestDB(t), 12345)

	used, limit, err := service.Usage(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)
	assert.Zero(t, used)
	assert.Equal(t, int64(12345), limit)
}

func TestQuota_OwnersAreIsolated(t *testing.T) {
	service := NewService(setupTestDB(t), 1000)
	ctx := context.Background()
	tenantID := uuid.New()
	alice, bob := uuid.New(), uuid.New()

	require.NoError(t, service.Reserve(ctx, tenantID, alice, 900, "tok-alice"))
	require.NoError(t, service.Commit(ctx, "tok-alice"))

	// Alice's usage does not constrain Bob
	assert.NoError(t, service.Reserve(ctx, tenantID, bob, 900, "tok-bob"))
}
