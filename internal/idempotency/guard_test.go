package idempotency

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/luciaai/searchdeep-sub000/pkg/db/dbtest"
	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
)

func TestGuardAdmitsOnce(t *testing.T) {
	guard := NewGuard(dbtest.Open(t))
	ctx := context.Background()
	key := EventKey{SourceID: "evt_123", EventType: "customer.subscription.updated"}

	admitted, err := guard.Admit(ctx, key)
	require.NoError(t, err)
	assert.True(t, admitted)

	admitted, err = guard.Admit(ctx, key)
	require.NoError(t, err)
	assert.False(t, admitted)

	seen, err := guard.Seen(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestGuardKeysAreScopedByType(t *testing.T) {
	guard := NewGuard(dbtest.Open(t))
	ctx := context.Background()

	first, err := guard.Admit(ctx, EventKey{SourceID: "admin-1:abc", EventType: "admin_adjustment"})
	require.NoError(t, err)
	second, err := guard.Admit(ctx, EventKey{SourceID: "admin-1:abc", EventType: "consumption"})
	require.NoError(t, err)

	assert.True(t, first)
	assert.True(t, second)
}

func TestGuardRollbackReleasesKey(t *testing.T) {
	conn := dbtest.Open(t)
	guard := NewGuard(conn)
	ctx := context.Background()
	key := EventKey{SourceID: "evt_rollback", EventType: "customer.subscription.created"}

	errApply := errors.New("apply failed")
	err := conn.Transaction(func(tx *gorm.DB) error {
		admitted, err := guard.WithTx(tx).Admit(ctx, key)
		require.NoError(t, err)
		require.True(t, admitted)
		return errApply
	})
	require.ErrorIs(t, err, errApply)

	admitted, err := guard.Admit(ctx, key)
	require.NoError(t, err)
	assert.True(t, admitted, "retry after rollback must be admitted")
}

func TestGuardRejectsBlankKeys(t *testing.T) {
	guard := NewGuard(dbtest.Open(t))

	_, err := guard.Admit(context.Background(), EventKey{SourceID: " ", EventType: "x"})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
}

func TestGuardStorageFailureIsDependencyError(t *testing.T) {
	conn := dbtest.Open(t)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = NewGuard(conn).Admit(context.Background(), EventKey{SourceID: "evt", EventType: "x"})
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeDependency))
}
