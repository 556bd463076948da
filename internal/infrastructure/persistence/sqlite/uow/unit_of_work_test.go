package uow

import (
	"context"
	"errors"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"pwacache/internal/infrastructure/persistence/sqlite/model"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(model.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func insertRegistration(ctx context.Context, t *testing.T, db *gorm.DB, version string) {
	t.Helper()
	tx, err := DB(ctx, db)
	if err != nil {
		t.Fatalf("DB() error = %v", err)
	}
	row := model.Registration{Version: version, State: "installed", Assets: "[]", UpdatedAt: "2026-10-01T00:00:00.000000000Z"}
	if err := tx.Create(&row).Error; err != nil {
		t.Fatalf("insert %s: %v", version, err)
	}
}

func countRegistrations(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&model.Registration{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestWithTxCommitsNestedWrites(t *testing.T) {
	db := openTestDB(t)
	unitOfWork := NewUnitOfWork(db)

	err := unitOfWork.WithTx(context.Background(), func(ctx context.Context) error {
		insertRegistration(ctx, t, db, "v1")
		return unitOfWork.WithTx(ctx, func(inner context.Context) error {
			insertRegistration(inner, t, db, "v2")
			return nil
		})
	})
	if err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}
	if got := countRegistrations(t, db); got != 2 {
		t.Fatalf("registrations = %d, want 2", got)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	unitOfWork := NewUnitOfWork(db)
	boom := errors.New("asset fetch failed")

	err := unitOfWork.WithTx(context.Background(), func(ctx context.Context) error {
		insertRegistration(ctx, t, db, "v1")
		return unitOfWork.WithTx(ctx, func(context.Context) error { return boom })
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want %v", err, boom)
	}
	if got := countRegistrations(t, db); got != 0 {
		t.Fatalf("registrations = %d, want 0 after rollback", got)
	}
}

func TestWithTxRequiresContext(t *testing.T) {
	db := openTestDB(t)
	if err := NewUnitOfWork(db).WithTx(nil, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("WithTx(nil) expected error")
	}
}
