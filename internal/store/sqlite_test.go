package store

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopdm/dmflow/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(WithDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	// One connection keeps the file lock quiet; statements from
	// concurrent goroutines still interleave through the pool.
	s.db.SetMaxOpenConns(1)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteAddPolicyItemConcurrentDedupe(t *testing.T) {
	s := newTestSQLiteStore(t)
	now := time.Now().UTC()

	var added int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item := models.PolicyMemoryItem{
				Text:      "ارسال فقط با پست پیشتاز انجام می‌شود",
				Priority:  models.PriorityNormal,
				Kind:      models.PolicyRule,
				CreatedAt: now,
			}
			ok, err := s.AddPolicyItem(item, "policy:shipping")
			if err != nil {
				t.Errorf("AddPolicyItem() error = %v", err)
				return
			}
			if ok {
				atomic.AddInt64(&added, 1)
			}
		}()
	}
	wg.Wait()

	if added != 1 {
		t.Errorf("added = %d, want exactly one capture for the key", added)
	}
	items, err := s.ListPolicyItems(10)
	if err != nil {
		t.Fatalf("ListPolicyItems() error = %v", err)
	}
	if len(items) != 1 {
		t.Errorf("len(items) = %d, want 1", len(items))
	}
}

func TestSQLiteAddPolicyItemAfterReset(t *testing.T) {
	s := newTestSQLiteStore(t)
	item := models.PolicyMemoryItem{
		Text:      "ساعت پاسخگویی ۹ تا ۱۷ است",
		Priority:  models.PriorityNormal,
		Kind:      models.PolicyRule,
		CreatedAt: time.Now().UTC(),
	}

	added, err := s.AddPolicyItem(item, "policy:hours")
	if err != nil || !added {
		t.Fatalf("AddPolicyItem() = %v, %v; want added", added, err)
	}
	added, err = s.AddPolicyItem(item, "policy:hours")
	if err != nil || added {
		t.Fatalf("AddPolicyItem() repeat = %v, %v; want absorbed", added, err)
	}

	if err := s.ResetPolicyItems(); err != nil {
		t.Fatalf("ResetPolicyItems() error = %v", err)
	}

	// The same instruction can be captured again after a reset.
	item.CreatedAt = time.Now().UTC().Add(time.Second)
	added, err = s.AddPolicyItem(item, "policy:hours")
	if err != nil || !added {
		t.Fatalf("AddPolicyItem() after reset = %v, %v; want added", added, err)
	}
	items, err := s.ListPolicyItems(10)
	if err != nil {
		t.Fatalf("ListPolicyItems() error = %v", err)
	}
	if len(items) != 1 {
		t.Errorf("len(items) = %d, want 1", len(items))
	}
}
