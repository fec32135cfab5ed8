package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-form-crm-bridge/internal/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Submission{}, &domain.Credential{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedSubmissions(t *testing.T, db *gorm.DB, n int) {
	t.Helper()
	lead := 501
	contact := 901
	for i := 0; i < n; i++ {
		s := &domain.Submission{
			ID:            fmt.Sprintf("id-%d", i),
			ResponseToken: fmt.Sprintf("tok-%d", i),
			FormID:        "F1",
			UpdatedAt:     time.Date(2026, 2, 1, 9, i, 0, 0, time.UTC),
		}
		if i%2 == 0 {
			s.AmoLeadID = &lead
		}
		if i%3 == 0 {
			s.AmoContactID = &contact
		}
		if err := db.Create(s).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestSubmissionService_ListPage(t *testing.T) {
	db := newTestDB(t)
	seedSubmissions(t, db, 5)
	svc := &SubmissionService{DB: db}

	items, total, err := svc.ListPage(context.Background(), "F1", 1, 2)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if total != 5 || len(items) != 2 {
		t.Fatalf("total=%d len=%d", total, len(items))
	}
	// Newest first.
	if items[0].ID != "id-4" || items[1].ID != "id-3" {
		t.Fatalf("order = %s, %s", items[0].ID, items[1].ID)
	}

	// Invalid paging falls back to defaults.
	items, total, err = svc.ListPage(context.Background(), "F1", 0, -1)
	if err != nil {
		t.Fatalf("ListPage defaults: %v", err)
	}
	if total != 5 || len(items) != 5 {
		t.Fatalf("defaults: total=%d len=%d", total, len(items))
	}
}

func TestSubmissionService_ListPage_EmptyLedger(t *testing.T) {
	svc := &SubmissionService{DB: newTestDB(t)}
	items, total, err := svc.ListPage(context.Background(), "", 1, 20)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if total != 0 || items == nil || len(items) != 0 {
		t.Fatalf("empty: total=%d items=%v", total, items)
	}
}

func TestSubmissionService_Get(t *testing.T) {
	db := newTestDB(t)
	seedSubmissions(t, db, 1)
	svc := &SubmissionService{DB: db}

	sub, err := svc.Get(context.Background(), "tok-0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sub.ResponseToken != "tok-0" {
		t.Fatalf("got %+v", sub)
	}

	if _, err := svc.Get(context.Background(), "missing"); !errors.Is(err, ErrSubmissionNotFound) {
		t.Fatalf("err = %v, want ErrSubmissionNotFound", err)
	}
}

func TestSubmissionService_Stats(t *testing.T) {
	db := newTestDB(t)
	seedSubmissions(t, db, 6)
	svc := &SubmissionService{DB: db}

	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 6 {
		t.Fatalf("total = %d", stats.Total)
	}
	if stats.WithLead != 3 || stats.WithContact != 2 {
		t.Fatalf("withLead=%d withContact=%d", stats.WithLead, stats.WithContact)
	}
	wantLast := time.Date(2026, 2, 1, 9, 5, 0, 0, time.UTC)
	if stats.LastActivity == nil || !stats.LastActivity.Equal(wantLast) {
		t.Fatalf("lastActivity = %v", stats.LastActivity)
	}
}
