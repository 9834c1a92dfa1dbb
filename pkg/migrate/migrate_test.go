package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/luciaai/searchdeep-sub000/pkg/migrate"
)

func TestRunRequiresConnection(t *testing.T) {
	err := migrate.Run(context.Background(), nil, migrate.DefaultDir, "up")
	assert.ErrorContains(t, err, "db is required")
}

func TestMigrateToVersionRejectsMalformedVersion(t *testing.T) {
	err := migrate.MigrateToVersion(context.Background(), nil, "migrations", "2026-01-01")
	assert.ErrorContains(t, err, "YYYYMMDDHHMMSS")
}
