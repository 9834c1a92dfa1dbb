package admins

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciaai/searchdeep-sub000/pkg/db/dbtest"
	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
)

func TestRepositoryGrantAndRevoke(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	first := dbtest.SeedUser(t, conn, "first@example.com")
	second := dbtest.SeedUser(t, conn, "second@example.com")

	isAdmin, err := repo.IsAdmin(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, isAdmin)

	created, err := repo.Grant(ctx, first.ID, nil)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.Grant(ctx, first.ID, nil)
	require.NoError(t, err)
	assert.False(t, created)

	created, err = repo.Grant(ctx, second.ID, &first.ID)
	require.NoError(t, err)
	assert.True(t, created)

	admins, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, admins, 2)

	require.NoError(t, repo.Revoke(ctx, second.ID))
	isAdmin, err = repo.IsAdmin(ctx, second.ID)
	require.NoError(t, err)
	assert.False(t, isAdmin)

	err = repo.Revoke(ctx, first.ID)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeConflict))
	err = repo.Revoke(ctx, second.ID)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
}

func TestRepositoryGrantUnknownUser(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))

	_, err := repo.Grant(context.Background(), uuid.New(), nil)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))

	_, err = repo.Grant(context.Background(), uuid.Nil, nil)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))

	isAdmin, err := repo.IsAdmin(context.Background(), uuid.Nil)
	require.NoError(t, err)
	assert.False(t, isAdmin)
}
