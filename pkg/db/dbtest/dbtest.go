// Package dbtest opens isolated sqlite databases carrying the credit ledger
// schema for repository and service tests.
package dbtest

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	"github.com/luciaai/searchdeep-sub000/pkg/migrate"
)

// Open returns a fresh in-memory database. The pool is pinned to a single
// connection so concurrent transactions serialize the way row locks would on
// Postgres.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:dbtest_%s?mode=memory&cache=shared&_foreign_keys=1", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migrate.ApplySQLiteSchema(context.Background(), conn); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return conn
}

// SeedUser inserts a user with a zero balance.
func SeedUser(t testing.TB, conn *gorm.DB, email string) models.User {
	t.Helper()
	user := models.User{ID: uuid.New(), Email: email}
	if err := conn.Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

// Balance reads the cached projection for a user.
func Balance(t testing.TB, conn *gorm.DB, userID uuid.UUID) int {
	t.Helper()
	var user models.User
	if err := conn.First(&user, "id = ?", userID).Error; err != nil {
		t.Fatalf("load user: %v", err)
	}
	return user.Balance
}

// LedgerSum sums every ledger entry for a user.
func LedgerSum(t testing.TB, conn *gorm.DB, userID uuid.UUID) int {
	t.Helper()
	var sum int
	if err := conn.Raw(`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = ?`, userID).Scan(&sum).Error; err != nil {
		t.Fatalf("sum ledger: %v", err)
	}
	return sum
}

// CountEntries counts ledger entries for a user, optionally filtered by source.
func CountEntries(t testing.TB, conn *gorm.DB, userID uuid.UUID, source string) int64 {
	t.Helper()
	q := conn.Model(&models.LedgerEntry{}).Where("user_id = ?", userID)
	if source != "" {
		q = q.Where("source = ?", source)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	return count
}
